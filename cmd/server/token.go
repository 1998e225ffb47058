package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/Studio/internal/adapters/auth"
	"github.com/dkeye/Studio/internal/domain"
)

func newTokenCmd(st *state) *cobra.Command {
	var (
		user string
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a host token signed with jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := domain.NewIdentity(user, name, false); err != nil {
				return err
			}
			tok, err := auth.NewIssuer(st.cfg.JWTSecret).HostToken(domain.UserID(user), name, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "host user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultHostTokenTTL, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
