// Package client is the participant side of the signaling protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteTimeout = 5 * time.Second
	helloTimeout        = 5 * time.Second
)

type DialOptions struct {
	// Token is sent as the token query parameter.
	Token        string
	Header       http.Header
	WriteTimeout time.Duration
}

// Conn is one signaling socket. Writes are safe from any goroutine; reads
// happen only inside Run.
type Conn struct {
	ws           *websocket.Conn
	id           domain.ConnectionID
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects and waits for the server's welcome frame.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("signal url: %w", err)
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(helloTimeout))
	var hello protocol.Message
	if err := ws.ReadJSON(&hello); err != nil {
		_ = ws.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return nil, errs.ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var w protocol.Welcome
	if err := decode(hello, &w); err != nil || hello.Type != protocol.TypeSessionUpdate || w.ClientID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected welcome %q: %w", hello.Type, errs.ErrBadPayload)
	}

	wt := opts.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	log.Info().Str("module", "client").Str("conn", string(w.ClientID)).Msg("connected")
	return &Conn{ws: ws, id: w.ClientID, writeTimeout: wt}, nil
}

// ID is the connection id the server assigned.
func (c *Conn) ID() domain.ConnectionID { return c.id }

func (c *Conn) Send(m protocol.Message) error {
	if m.Timestamp == 0 {
		m.Timestamp = protocol.Now()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(m)
}

// SendPayload encodes v into the payload of a message of type t.
func (c *Conn) SendPayload(t protocol.MessageType, to domain.ConnectionID, v any) error {
	m, err := protocol.New(t, v)
	if err != nil {
		return err
	}
	m.To = to
	return c.Send(m)
}

// Run reads frames into fn until the socket closes or ctx ends.
func (c *Conn) Run(ctx context.Context, fn func(protocol.Message)) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		var m protocol.Message
		if err := c.ws.ReadJSON(&m); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		fn(m)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
