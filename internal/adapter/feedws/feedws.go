// Package feedws implements the websocket feed adapter. It consumes an
// upstream endpoint speaking the QA quote framing and keeps a live
// subscription set across reconnects.
package feedws

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/melq/mdgate/internal/adapter"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
	"github.com/melq/mdgate/internal/telemetry"
)

const dialTimeout = 10 * time.Second

// Config declares one websocket feed upstream.
type Config struct {
	Source   string
	URL      string
	Prefixes []string
	Username string
	Password string
}

// Client maintains the upstream session with capped exponential backoff and
// replays the full subscription set after every reconnect.
type Client struct {
	cfg     Config
	emit    adapter.Emit
	metrics *telemetry.Metrics
	log     observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subs  *adapter.SubscriptionSet
	kick  chan struct{}
	state adapter.ConnState
}

// New constructs the client. Start must be called before it produces data.
func New(cfg Config, emit adapter.Emit, metrics *telemetry.Metrics, log observability.Logger) *Client {
	if log == nil {
		log = observability.Log()
	}
	return &Client{
		cfg:     cfg,
		emit:    emit,
		metrics: metrics,
		log:     log,
		done:    make(chan struct{}),
		subs:    adapter.NewSubscriptionSet(),
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the connect loop.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()
}

// Stop terminates the connect loop and waits for it to unwind.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// Source implements connector.Adapter.
func (c *Client) Source() string { return c.cfg.Source }

// Prefixes implements connector.Adapter.
func (c *Client) Prefixes() []string { return c.cfg.Prefixes }

// Health implements connector.Adapter.
func (c *Client) Health() connector.Health {
	connected, since, reconnects := c.state.Snapshot()
	return connector.Health{
		Source:      c.cfg.Source,
		Connected:   connected,
		Since:       since,
		Reconnects:  reconnects,
		Instruments: c.subs.Len(),
	}
}

// Subscribe implements connector.Adapter. The desired set is pushed upstream
// as an absolute ins_list on the next writer cycle.
func (c *Client) Subscribe(keys []string) {
	if c.subs.Add(keys) {
		c.nudge()
	}
}

// Unsubscribe implements connector.Adapter.
func (c *Client) Unsubscribe(keys []string) {
	if c.subs.Remove(keys) {
		c.nudge()
	}
}

func (c *Client) nudge() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// run maintains the connection with capped exponential backoff: 1s start,
// doubling to a 60s ceiling, retrying forever.
func (c *Client) run() {
	defer close(c.done)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxInterval = 60 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Error("feed dial failed",
				observability.F("source", c.cfg.Source),
				observability.F("err", err))
			if !c.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}

		policy.Reset()
		c.state.SetConnected(true)
		c.log.Info("feed connected", observability.F("source", c.cfg.Source))

		c.serve(conn)

		c.state.SetConnected(false)
		c.state.Reconnected()
		c.metrics.RecordReconnect(c.ctx, c.cfg.Source)
		if c.ctx.Err() != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}
		_ = conn.Close(websocket.StatusAbnormalClosure, "read failed")
		if !c.sleep(policy.NextBackOff()) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	opts := &websocket.DialOptions{}
	if c.cfg.Username != "" {
		header := make(http.Header, 1)
		token := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+token)
		opts.HTTPHeader = header
	}
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, opts)
	return conn, err
}

// serve pumps one live connection: a writer goroutine replays the desired
// set whenever it changes, the read loop normalizes inbound frames.
func (c *Client) serve(conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	go func() {
		// Initial replay, then on every set change.
		c.push(connCtx, conn)
		for {
			select {
			case <-connCtx.Done():
				return
			case <-c.kick:
				c.push(connCtx, conn)
			}
		}
	}()

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.log.Error("feed read failed",
					observability.F("source", c.cfg.Source),
					observability.F("err", err))
			}
			return
		}
		snaps, err := schema.DecodeRtnData(data)
		if err != nil {
			c.log.Debug("feed frame discarded",
				observability.F("source", c.cfg.Source),
				observability.F("err", err))
			continue
		}
		for i := range snaps {
			snaps[i].SetString(schema.FieldSource, c.cfg.Source)
			c.emit(snaps[i])
		}
	}
}

func (c *Client) push(ctx context.Context, conn *websocket.Conn) {
	frame, err := schema.EncodeSubscribeQuote(c.subs.List())
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.log.Debug("feed subscribe push failed",
			observability.F("source", c.cfg.Source),
			observability.F("err", err))
	}
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
