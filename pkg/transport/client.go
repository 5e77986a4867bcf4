package transport

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/metrics"
	"github.com/cuemby/cocoon/pkg/types"
	"github.com/rs/zerolog"
)

// Handler serves one established connection and returns when it should be
// abandoned. The connection is closed after Handler returns.
type Handler func(ctx context.Context, conn *Conn) error

// Config configures the reconnecting client
type Config struct {
	URL              string
	HandshakeTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the delay between attempts
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// StableAfter is how long a connection must last before the backoff
	// starts over from InitialBackoff
	StableAfter time.Duration

	Conn ConnOptions

	// OnStateChange is called on every state transition
	OnStateChange func(types.ConnectionState)
}

// Client keeps a connection to the coordinator alive
type Client struct {
	cfg Config

	mu    sync.RWMutex
	state types.ConnectionState

	logger zerolog.Logger
}

// NewClient creates a reconnecting client
func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		state:  types.ConnectionDisconnected,
		logger: log.WithComponent("transport"),
	}
}

// State returns the current connection state
func (c *Client) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run dials, serves and redials until ctx is cancelled. Retries are
// unlimited. It returns nil once ctx is done.
func (c *Client) Run(ctx context.Context, handler Handler) error {
	b := c.newBackOff()
	defer c.setState(types.ConnectionDisconnected)

	for {
		c.setState(types.ConnectionConnecting)
		conn, err := Dial(ctx, c.cfg.URL, c.cfg.HandshakeTimeout, c.cfg.Conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Str("url", c.cfg.URL).Msg("Connection attempt failed")
		} else {
			c.setState(types.ConnectionConnected)
			c.logger.Info().Str("url", c.cfg.URL).Msg("Connected")

			started := time.Now()
			herr := handler(ctx, conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			if herr != nil {
				c.logger.Warn().Err(herr).Msg("Connection ended")
			} else {
				c.logger.Info().Msg("Connection ended")
			}
			if time.Since(started) >= c.cfg.StableAfter {
				b.Reset()
			}
		}

		c.setState(types.ConnectionReconnecting)
		metrics.ReconnectsTotal.Inc()

		wait := b.NextBackOff()
		c.logger.Info().Dur("backoff", wait).Msg("Reconnecting")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Client) setState(state types.ConnectionState) {
	c.mu.Lock()
	changed := c.state != state
	c.state = state
	c.mu.Unlock()

	if !changed {
		return
	}
	metrics.SetConnectionState(state)
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(state)
	}
}
