// Package distributor owns the subscription registry and the incremental
// diff fan-out between upstream feeds and websocket sessions.
package distributor

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/melq/mdgate/internal/errs"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
	"github.com/melq/mdgate/internal/snapshot"
	"github.com/melq/mdgate/internal/telemetry"
)

// SubscriberID identifies an attached sink inside the registry.
type SubscriberID uint64

// Update is one pending delivery for a subscriber: either the first full
// snapshot for an instrument or the changed field subset since the
// subscriber's last delivery.
type Update struct {
	Key      string
	Snapshot schema.Snapshot
	Fields   schema.FieldSet
	Full     bool
}

// Sink receives updates for one subscriber. Enqueue must not block; a sink
// that cannot keep up applies its own overflow policy.
type Sink interface {
	Enqueue(u Update)
}

// Upstream receives per-subscription demand changes. Subscribe is invoked
// once per (subscriber, instrument) edge added, Unsubscribe once per edge
// removed, keeping the upstream refcount equal to the subscriber count.
type Upstream interface {
	Subscribe(keys []string)
	Unsubscribe(keys []string)
}

// Stats is a read-only view of registry occupancy.
type Stats struct {
	Sessions      int
	Instruments   int
	Subscriptions int
	Dropped       uint64
}

// Config sizes the distributor mailbox and selects the delivery policy.
type Config struct {
	MailboxSize int
	// DisableDeltas sends a full snapshot on every update instead of the
	// changed-field subset (incremental policy switched off).
	DisableDeltas bool
}

func (c Config) normalize() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 4096
	}
	return c
}

type commandKind uint8

const (
	cmdAttach commandKind = iota
	cmdDetach
	cmdSubscribe
	cmdUnsubscribe
	cmdIngest
	cmdSubscriptions
	cmdStats
)

type command struct {
	kind commandKind
	sid  SubscriberID
	keys []string
	sink Sink
	snap schema.Snapshot

	replyID    chan SubscriberID
	replyErr   chan error
	replyKeys  chan []string
	replyStats chan Stats
}

// Distributor routes snapshots to subscribers, tracking canonical state and
// per-subscriber last-sent state. All registry access happens on a single
// goroutine fed by a bounded mailbox.
type Distributor struct {
	cfg      Config
	upstream Upstream
	metrics  *telemetry.Metrics
	log      observability.Logger

	mailbox chan command
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	nextID  atomic.Uint64
	dropped atomic.Uint64

	sinks       map[SubscriberID]Sink
	instrToSubs map[string]map[SubscriberID]struct{}
	subToInstrs map[SubscriberID]map[string]struct{}
	canon       *snapshot.Store
	views       map[SubscriberID]*snapshot.View
}

// New constructs a distributor and starts its actor loop.
func New(cfg Config, upstream Upstream, metrics *telemetry.Metrics, log observability.Logger) *Distributor {
	cfg = cfg.normalize()
	if log == nil {
		log = observability.Log()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		cfg:          cfg,
		upstream:     upstream,
		metrics:      metrics,
		log:          log,
		mailbox:      make(chan command, cfg.MailboxSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		sinks:       make(map[SubscriberID]Sink),
		instrToSubs: make(map[string]map[SubscriberID]struct{}),
		subToInstrs: make(map[SubscriberID]map[string]struct{}),
		canon:       snapshot.NewStore(),
		views:       make(map[SubscriberID]*snapshot.View),
	}
	go d.run()
	return d
}

// Close stops the actor loop. Pending mailbox entries are discarded.
func (d *Distributor) Close() {
	d.cancel()
	<-d.done
}

// Attach registers a sink and returns its subscriber id.
func (d *Distributor) Attach(ctx context.Context, sink Sink) (SubscriberID, error) {
	if sink == nil {
		return 0, errs.New("distributor/attach", errs.CodeInvalid, errs.WithMessage("sink required"))
	}
	cmd := command{kind: cmdAttach, sink: sink, replyID: make(chan SubscriberID, 1)}
	if err := d.send(ctx, cmd); err != nil {
		return 0, err
	}
	select {
	case id := <-cmd.replyID:
		return id, nil
	case <-ctx.Done():
		return 0, ctxErr(ctx)
	case <-d.ctx.Done():
		return 0, errClosed()
	}
}

// Detach removes the subscriber and purges all of its registry entries.
func (d *Distributor) Detach(ctx context.Context, sid SubscriberID) error {
	return d.roundTrip(ctx, command{kind: cmdDetach, sid: sid, replyErr: make(chan error, 1)})
}

// Subscribe adds the subscriber to each instrument's set. Instruments with a
// canonical snapshot already present get a full snapshot enqueued
// immediately. Already-held instruments are no-ops.
func (d *Distributor) Subscribe(ctx context.Context, sid SubscriberID, keys []string) error {
	return d.roundTrip(ctx, command{kind: cmdSubscribe, sid: sid, keys: keys, replyErr: make(chan error, 1)})
}

// Unsubscribe removes the subscriber from each instrument's set and forgets
// the per-subscriber delivery state.
func (d *Distributor) Unsubscribe(ctx context.Context, sid SubscriberID, keys []string) error {
	return d.roundTrip(ctx, command{kind: cmdUnsubscribe, sid: sid, keys: keys, replyErr: make(chan error, 1)})
}

// Ingest accepts one upstream snapshot. It never blocks and never fails:
// when the mailbox is full the snapshot is shed and counted.
func (d *Distributor) Ingest(snap schema.Snapshot) {
	select {
	case d.mailbox <- command{kind: cmdIngest, snap: snap}:
	case <-d.ctx.Done():
	default:
		d.dropped.Add(1)
		d.metrics.RecordDrop(context.Background(), snap.Source)
	}
}

// Subscriptions returns the sorted instrument set held by the subscriber.
func (d *Distributor) Subscriptions(ctx context.Context, sid SubscriberID) ([]string, error) {
	cmd := command{kind: cmdSubscriptions, sid: sid, replyKeys: make(chan []string, 1)}
	if err := d.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case keys := <-cmd.replyKeys:
		return keys, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	case <-d.ctx.Done():
		return nil, errClosed()
	}
}

// Stats reports registry occupancy.
func (d *Distributor) Stats(ctx context.Context) (Stats, error) {
	cmd := command{kind: cmdStats, replyStats: make(chan Stats, 1)}
	if err := d.send(ctx, cmd); err != nil {
		return Stats{}, err
	}
	select {
	case st := <-cmd.replyStats:
		return st, nil
	case <-ctx.Done():
		return Stats{}, ctxErr(ctx)
	case <-d.ctx.Done():
		return Stats{}, errClosed()
	}
}

func (d *Distributor) send(ctx context.Context, cmd command) error {
	select {
	case d.mailbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-d.ctx.Done():
		return errClosed()
	}
}

func (d *Distributor) roundTrip(ctx context.Context, cmd command) error {
	if err := d.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.replyErr:
		return err
	case <-ctx.Done():
		return ctxErr(ctx)
	case <-d.ctx.Done():
		return errClosed()
	}
}

func (d *Distributor) run() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case cmd := <-d.mailbox:
			d.handle(cmd)
		}
	}
}

func (d *Distributor) handle(cmd command) {
	switch cmd.kind {
	case cmdAttach:
		id := SubscriberID(d.nextID.Add(1))
		d.sinks[id] = cmd.sink
		d.subToInstrs[id] = make(map[string]struct{})
		d.views[id] = snapshot.NewView()
		d.log.Debug("subscriber attached", observability.F("sid", id))
		cmd.replyID <- id
	case cmdDetach:
		cmd.replyErr <- d.detach(cmd.sid)
	case cmdSubscribe:
		cmd.replyErr <- d.subscribe(cmd.sid, cmd.keys)
	case cmdUnsubscribe:
		cmd.replyErr <- d.unsubscribe(cmd.sid, cmd.keys)
	case cmdIngest:
		d.ingest(&cmd.snap)
	case cmdSubscriptions:
		cmd.replyKeys <- d.subscriptions(cmd.sid)
	case cmdStats:
		cmd.replyStats <- d.stats()
	}
}

func (d *Distributor) subscribe(sid SubscriberID, keys []string) error {
	held, ok := d.subToInstrs[sid]
	if !ok {
		return errUnknownSubscriber(sid)
	}
	added := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, have := held[key]; have {
			continue
		}
		held[key] = struct{}{}
		subs, ok := d.instrToSubs[key]
		if !ok {
			subs = make(map[SubscriberID]struct{})
			d.instrToSubs[key] = subs
		}
		subs[sid] = struct{}{}
		added = append(added, key)

		if rec, ok := d.canon.Get(key); ok {
			d.deliverFull(sid, rec)
		}
	}
	if len(added) > 0 && d.upstream != nil {
		d.upstream.Subscribe(added)
	}
	return nil
}

func (d *Distributor) unsubscribe(sid SubscriberID, keys []string) error {
	held, ok := d.subToInstrs[sid]
	if !ok {
		return errUnknownSubscriber(sid)
	}
	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, have := held[key]; !have {
			continue
		}
		delete(held, key)
		if subs, ok := d.instrToSubs[key]; ok {
			delete(subs, sid)
			if len(subs) == 0 {
				delete(d.instrToSubs, key)
			}
		}
		d.views[sid].Forget(key)
		removed = append(removed, key)
	}
	if len(removed) > 0 && d.upstream != nil {
		d.upstream.Unsubscribe(removed)
	}
	return nil
}

func (d *Distributor) detach(sid SubscriberID) error {
	held, ok := d.subToInstrs[sid]
	if !ok {
		return errUnknownSubscriber(sid)
	}
	keys := make([]string, 0, len(held))
	for key := range held {
		keys = append(keys, key)
		if subs, ok := d.instrToSubs[key]; ok {
			delete(subs, sid)
			if len(subs) == 0 {
				delete(d.instrToSubs, key)
			}
		}
	}
	delete(d.subToInstrs, sid)
	delete(d.views, sid)
	delete(d.sinks, sid)
	d.log.Debug("subscriber detached", observability.F("sid", sid), observability.F("instruments", len(keys)))
	if len(keys) > 0 && d.upstream != nil {
		d.upstream.Unsubscribe(keys)
	}
	return nil
}

// ingest merges the arrival into the canonical record and enqueues a full
// snapshot or field diff for every subscriber of the instrument.
func (d *Distributor) ingest(snap *schema.Snapshot) {
	key := snap.InstrumentID
	if key == "" {
		return
	}
	rec := d.canon.Merge(key, snap, time.Now().UTC())
	d.metrics.RecordIngest(d.ctx, snap.Source)

	subs := d.instrToSubs[key]
	if len(subs) == 0 {
		return
	}
	start := time.Now()
	enqueued := 0
	for sid := range subs {
		sent, ok := d.views[sid].Get(key)
		if !ok || d.cfg.DisableDeltas {
			d.deliverFull(sid, rec)
			enqueued++
			continue
		}
		changed := rec.Snapshot.Diff(&sent.Snapshot)
		if changed.Empty() {
			continue
		}
		d.views[sid].Apply(rec, changed)
		if sink := d.sinks[sid]; sink != nil {
			sink.Enqueue(Update{Key: key, Snapshot: rec.Snapshot.Clone(), Fields: changed})
			enqueued++
		}
	}
	d.metrics.RecordFanout(d.ctx, enqueued, time.Since(start))
}

func (d *Distributor) deliverFull(sid SubscriberID, rec *snapshot.Record) {
	d.views[sid].Remember(rec)
	if sink := d.sinks[sid]; sink != nil {
		sink.Enqueue(Update{Key: rec.Key, Snapshot: rec.Snapshot.Clone(), Fields: rec.Snapshot.Fields, Full: true})
	}
}

func (d *Distributor) subscriptions(sid SubscriberID) []string {
	held := d.subToInstrs[sid]
	keys := make([]string, 0, len(held))
	for key := range held {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (d *Distributor) stats() Stats {
	total := 0
	for _, held := range d.subToInstrs {
		total += len(held)
	}
	return Stats{
		Sessions:      len(d.sinks),
		Instruments:   d.canon.Len(),
		Subscriptions: total,
		Dropped:       d.dropped.Load(),
	}
}

// Dropped returns the number of snapshots shed since startup.
func (d *Distributor) Dropped() uint64 {
	return d.dropped.Load()
}

func errUnknownSubscriber(sid SubscriberID) error {
	return errs.New("distributor", errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("unknown subscriber %d", sid)))
}

func ctxErr(ctx context.Context) error {
	return errs.New("distributor", errs.CodeUnavailable, errs.WithMessage("command context done"), errs.WithCause(ctx.Err()))
}

func errClosed() error {
	return errs.New("distributor", errs.CodeUnavailable, errs.WithMessage("distributor closed"))
}
