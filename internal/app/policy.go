package app

import "github.com/dkeye/Studio/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a client whose outbound queue is full.
type Policy interface {
	OnBackPressure(c *core.Client) BackpressureAction
}

// SimplePolicy closes the socket of a slow client.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Client) BackpressureAction {
	return KickMember
}
