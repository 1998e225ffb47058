// Package signal is the WebSocket signaling gateway: one read/write pump pair per
// socket, messages dispatched to the orchestrator.
package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/app/orch"
	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Authenticator vouches for the identity behind an upgrade request.
type Authenticator interface {
	Verify(c *gin.Context) (domain.Identity, error)
}

type Options struct {
	// MaxMessageSize is the policy limit answered with PAYLOAD_TOO_LARGE.
	MaxMessageSize int
	// ReadLimit is the hard transport limit; larger frames close the socket.
	ReadLimit     int64
	PingPeriod    time.Duration
	CleanupPeriod time.Duration
	WriteTimeout  time.Duration
	SendBuffer    int
}

func (o *Options) withDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 10 * 1024
	}
	if o.ReadLimit < int64(o.MaxMessageSize) {
		o.ReadLimit = int64(o.MaxMessageSize) * 4
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 10 * time.Second
	}
	if o.CleanupPeriod <= 0 {
		o.CleanupPeriod = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Auth    Authenticator
	Limiter *RateLimiter

	opts Options
}

func NewSignalWSController(o *orch.Orchestrator, auth Authenticator, limiter *RateLimiter, opts Options) *SignalWSController {
	opts.withDefaults()
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateWindow, DefaultRateMaxMessages)
	}
	ctl := &SignalWSController{Orch: o, Auth: auth, Limiter: limiter, opts: opts}
	o.Registry.OnEvict(func(c *core.Client, sid domain.SessionID) {
		ctl.Limiter.Forget(c.ID)
		if res, ok := ctl.Orch.Evicted(context.Background(), c, sid); ok {
			ctl.broadcastPeerLeft(res)
		}
	})
	return ctl
}

type WsSignalConn struct {
	conn         *websocket.Conn
	send         chan core.Frame
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
}

func newWsSignalConn(ws *websocket.Conn, buffer int, writeTimeout time.Duration) *WsSignalConn {
	return &WsSignalConn{
		conn:         ws,
		send:         make(chan core.Frame, buffer),
		writeTimeout: writeTimeout,
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Ping writes a control frame; gorilla allows WriteControl concurrently with the write pump.
func (c *WsSignalConn) Ping() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal authenticates, upgrades and starts the pumps for one socket.
// A failed authentication still upgrades so the close code reaches the browser.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	identity, authErr := ctl.Auth.Verify(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if authErr != nil {
		log.Warn().Err(authErr).Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejecting unauthenticated socket")
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, errs.ErrAuthenticationFailed.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ctl.opts.WriteTimeout))
		_ = ws.Close()
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	conn := newWsSignalConn(ws, ctl.opts.SendBuffer, ctl.opts.WriteTimeout)
	client := ctl.Orch.Connect(identity, conn)
	ws.SetPongHandler(func(string) error {
		ctl.Orch.Alive(client)
		return nil
	})
	log.Info().Str("module", "signal").Str("conn", string(client.ID)).Str("user", string(identity.UserID)).Bool("guest", identity.IsGuest).Msg("new WS connection")

	ctl.sendJSON(client, message(protocol.TypeSessionUpdate, protocol.Welcome{ClientID: client.ID}))

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, client, conn)
	}()
}
