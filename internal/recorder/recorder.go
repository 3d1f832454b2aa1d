// Package recorder persists delivered ticks to Postgres. It attaches to the
// distributor like any other subscriber, so it sees the same full-then-delta
// stream a websocket client would.
package recorder

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/melq/mdgate/internal/distributor"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
)

const (
	insertBatchSize  = 128
	flushInterval    = time.Second
	insertTickSQL    = `INSERT INTO md_ticks (instrument_id, recorded_at, full_refresh, fields) VALUES ($1, $2, $3, $4)`
	connectTimeout   = 10 * time.Second
	drainWriteWindow = 5 * time.Second
)

// Config tunes the recorder sink.
type Config struct {
	DSN        string
	BufferSize int
}

// Recorder buffers updates and batch-inserts them. A full buffer follows the
// shedding semantics the gateway already has: ticks are perishable, so new
// arrivals are dropped and counted rather than blocking the distributor.
type Recorder struct {
	pool *pgxpool.Pool
	log  observability.Logger

	ch      chan distributor.Update
	done    chan struct{}
	dropped uint64
}

// New connects the recorder to Postgres.
func New(ctx context.Context, cfg Config, log observability.Logger) (*Recorder, error) {
	if log == nil {
		log = observability.Log()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.New(connectCtx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Recorder{
		pool: pool,
		log:  log,
		ch:   make(chan distributor.Update, cfg.BufferSize),
		done: make(chan struct{}),
	}, nil
}

// Enqueue implements distributor.Sink. It never blocks.
func (r *Recorder) Enqueue(u distributor.Update) {
	select {
	case r.ch <- u:
	default:
		r.dropped++
		// Perishable ticks: shedding beats stalling the distributor.
	}
}

// Run batches inserts until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	batch := make([]distributor.Update, 0, insertBatchSize)
	for {
		select {
		case <-ctx.Done():
			r.write(batch)
			return
		case u := <-r.ch:
			batch = append(batch, u)
			if len(batch) >= insertBatchSize {
				r.write(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.write(batch)
				batch = batch[:0]
			}
		}
	}
}

// Close waits for the run loop and releases the pool.
func (r *Recorder) Close() {
	<-r.done
	r.pool.Close()
}

func (r *Recorder) write(batch []distributor.Update) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainWriteWindow)
	defer cancel()

	pgBatch := new(pgx.Batch)
	now := time.Now().UTC()
	for i := range batch {
		u := &batch[i]
		fields, err := json.Marshal(schema.QuoteObject(&u.Snapshot, u.Fields))
		if err != nil {
			continue
		}
		pgBatch.Queue(insertTickSQL, u.Key, now, u.Full, fields)
	}
	if pgBatch.Len() == 0 {
		return
	}
	if err := r.pool.SendBatch(ctx, pgBatch).Close(); err != nil {
		r.log.Error("tick batch insert failed",
			observability.F("rows", pgBatch.Len()),
			observability.F("err", err))
	}
}
