// Package session implements one websocket client connection: command
// handling, the coalescing outbox, batched flushes, and heartbeat.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/melq/mdgate/internal/distributor"
	"github.com/melq/mdgate/internal/errs"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
	"github.com/melq/mdgate/internal/telemetry"
)

// State tracks the session lifecycle.
type State int32

// Session lifecycle states.
const (
	StateOpening State = iota
	StateActive
	StateClosing
	StateClosed
)

// Config carries the per-session delivery tunables.
type Config struct {
	// BatchInterval is the flush timer period. Zero disables batching and
	// flushes on every enqueue.
	BatchInterval time.Duration
	// BatchThreshold flushes early once this many instruments are pending.
	BatchThreshold int
	// OutboxLimit is the hard cap on distinct pending instruments. Breaching
	// it closes the session as a slow consumer.
	OutboxLimit int
	// HeartbeatInterval is the ping period; a missing pong within twice the
	// period closes the session.
	HeartbeatInterval time.Duration
}

func (c Config) normalize() Config {
	if c.BatchInterval < 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
	if c.BatchThreshold <= 0 {
		c.BatchThreshold = 50
	}
	if c.OutboxLimit <= 0 {
		c.OutboxLimit = 1024
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// Session owns one client websocket connection and its outbound state.
type Session struct {
	cfg      Config
	conn     *websocket.Conn
	dist     *distributor.Distributor
	metrics  *telemetry.Metrics
	log      observability.Logger
	clientID string

	sid     distributor.SubscriberID
	outbox  *outbox
	flushCh chan struct{}
	ctrl    chan []byte

	state       atomic.Int32
	cancel      context.CancelFunc
	closeOnce   sync.Once
	closeMu     sync.Mutex
	closeStatus websocket.StatusCode
	closeReason string
}

// New wraps an upgraded websocket connection into a session.
func New(conn *websocket.Conn, dist *distributor.Distributor, cfg Config, metrics *telemetry.Metrics, log observability.Logger) *Session {
	if log == nil {
		log = observability.Log()
	}
	cfg = cfg.normalize()
	return &Session{
		cfg:         cfg,
		conn:        conn,
		dist:        dist,
		metrics:     metrics,
		log:         log,
		clientID:    uuid.NewString(),
		outbox:      newOutbox(cfg.OutboxLimit),
		flushCh:     make(chan struct{}, 1),
		ctrl:        make(chan []byte, 16),
		closeStatus: websocket.StatusNormalClosure,
	}
}

// ClientID returns the session's identifier as used in log lines.
func (s *Session) ClientID() string { return s.clientID }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Serve attaches the session to the distributor and pumps the connection
// until the client disconnects, the heartbeat lapses, or the session is
// dropped as a slow consumer. It always detaches before draining the socket.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	sid, err := s.dist.Attach(ctx, s)
	if err != nil {
		_ = s.conn.Close(websocket.StatusInternalError, "attach failed")
		return err
	}
	s.sid = sid
	s.state.Store(int32(StateActive))
	s.metrics.SessionOpened(ctx)
	s.log.Info("session opened", observability.F("client", s.clientID), observability.F("sid", sid))

	var wg conc.WaitGroup
	wg.Go(func() { s.readLoop(ctx) })
	wg.Go(func() { s.writeLoop(ctx) })
	wg.Go(func() { s.heartbeat(ctx) })
	wg.Wait()

	s.state.Store(int32(StateClosing))
	detachCtx, cancelDetach := context.WithTimeout(context.Background(), 5*time.Second)
	_ = s.dist.Detach(detachCtx, sid)
	cancelDetach()

	status, reason := s.closedState()
	_ = s.conn.Close(status, reason)
	s.state.Store(int32(StateClosed))
	s.metrics.SessionClosed(context.Background())
	s.log.Info("session closed",
		observability.F("client", s.clientID),
		observability.F("reason", reason))
	return nil
}

// Enqueue implements distributor.Sink. It merges the update into the outbox
// and signals a flush when batching is disabled or the threshold is reached.
// Breaching the hard cap drops the session as a slow consumer.
func (s *Session) Enqueue(u distributor.Update) {
	if s.State() != StateActive {
		return
	}
	depth, overflow := s.outbox.put(u)
	if overflow {
		s.metrics.RecordSlowClose(context.Background())
		s.closeWith(websocket.StatusPolicyViolation, "slow consumer")
		return
	}
	if s.cfg.BatchInterval == 0 || depth >= s.cfg.BatchThreshold {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
}

func (s *Session) closeWith(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeMu.Lock()
		s.closeStatus = code
		s.closeReason = reason
		s.closeMu.Unlock()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Session) closedState() (websocket.StatusCode, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeStatus, s.closeReason
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.closeWith(websocket.StatusNormalClosure, "")
			}
			if s.cancel != nil {
				s.cancel()
			}
			return
		}
		s.handleCommand(ctx, data)
	}
}

func (s *Session) handleCommand(ctx context.Context, data []byte) {
	cmd, err := schema.DecodeClientCommand(data)
	if err != nil {
		s.replyError(ctx, err)
		return
	}
	switch cmd.Kind {
	case schema.CommandSubscribeSet:
		s.applySubscribeSet(ctx, cmd.Instruments)
	case schema.CommandUnsubscribe:
		if err := s.validateKeys(cmd.Instruments); err != nil {
			s.replyError(ctx, err)
			return
		}
		if err := s.dist.Unsubscribe(ctx, s.sid, cmd.Instruments); err != nil {
			s.replyError(ctx, err)
		}
	case schema.CommandSubscriptions:
		current, err := s.dist.Subscriptions(ctx, s.sid)
		if err != nil {
			s.replyError(ctx, err)
			return
		}
		if frame, err := schema.EncodeSubscriptions(current); err == nil {
			s.sendCtrl(ctx, frame)
		}
	case schema.CommandPeekMessage:
		current, err := s.dist.Subscriptions(ctx, s.sid)
		if err != nil {
			s.replyError(ctx, err)
			return
		}
		if frame, err := schema.EncodePeekAck(current); err == nil {
			s.sendCtrl(ctx, frame)
		}
	}
}

// applySubscribeSet replaces the session's subscription set: ins_list is an
// absolute set, so instruments outside it are dropped and new ones added.
func (s *Session) applySubscribeSet(ctx context.Context, instruments []string) {
	if err := s.validateKeys(instruments); err != nil {
		s.replyError(ctx, err)
		return
	}
	current, err := s.dist.Subscriptions(ctx, s.sid)
	if err != nil {
		s.replyError(ctx, err)
		return
	}
	wanted := make(map[string]struct{}, len(instruments))
	toAdd := make([]string, 0, len(instruments))
	for _, key := range instruments {
		if _, dup := wanted[key]; dup {
			continue
		}
		wanted[key] = struct{}{}
		toAdd = append(toAdd, key)
	}
	toRemove := make([]string, 0, len(current))
	for _, key := range current {
		if _, keep := wanted[key]; !keep {
			toRemove = append(toRemove, key)
		}
	}
	if len(toRemove) > 0 {
		if err := s.dist.Unsubscribe(ctx, s.sid, toRemove); err != nil {
			s.replyError(ctx, err)
			return
		}
	}
	if len(toAdd) > 0 {
		if err := s.dist.Subscribe(ctx, s.sid, toAdd); err != nil {
			s.replyError(ctx, err)
			return
		}
	}
	if frame, err := schema.EncodeSubscribeAck(toAdd); err == nil {
		s.sendCtrl(ctx, frame)
	}
}

func (s *Session) validateKeys(keys []string) error {
	for _, key := range keys {
		if err := schema.ValidateInstrument(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) replyError(ctx context.Context, err error) {
	reason := "invalid request"
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		reason = e.Message
	}
	s.sendCtrl(ctx, schema.EncodeError(reason))
}

func (s *Session) sendCtrl(ctx context.Context, frame []byte) {
	select {
	case s.ctrl <- frame:
	case <-ctx.Done():
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer func() {
		if s.cancel != nil {
			s.cancel()
		}
	}()
	var tick <-chan time.Time
	if s.cfg.BatchInterval > 0 {
		ticker := time.NewTicker(s.cfg.BatchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.ctrl:
			if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		case <-tick:
			if err := s.flush(ctx); err != nil {
				return
			}
		case <-s.flushCh:
			if err := s.flush(ctx); err != nil {
				return
			}
		}
	}
}

// flush serializes all pending per-instrument entries into one rtn_data
// frame. A first delivery carries every accumulated field; later entries
// carry only the coalesced changed fields.
func (s *Session) flush(ctx context.Context) error {
	entries := s.outbox.take()
	if len(entries) == 0 {
		return nil
	}
	quotes := make(map[string]map[string]any, len(entries))
	for key, entry := range entries {
		fields := entry.fields
		if entry.full {
			fields = entry.snapshot.Fields
		}
		quotes[key] = schema.QuoteObject(&entry.snapshot, fields)
	}
	frame, err := schema.EncodeRtnData(quotes)
	if err != nil {
		s.log.Error("encode rtn_data", observability.F("client", s.clientID), observability.F("err", err))
		return nil
	}
	if err := s.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return err
	}
	s.metrics.RecordFrame(ctx, len(entries))
	return nil
}

func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*s.cfg.HeartbeatInterval)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.closeWith(websocket.StatusGoingAway, "heartbeat timeout")
				if s.cancel != nil {
					s.cancel()
				}
				return
			}
		}
	}
}
