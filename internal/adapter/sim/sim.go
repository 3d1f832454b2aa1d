// Package sim implements a synthetic feed adapter used by demos and tests.
// Prices follow a deterministic walk so runs are reproducible.
package sim

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/melq/mdgate/internal/adapter"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/schema"
)

// Config declares the synthetic feed.
type Config struct {
	Source   string
	Prefixes []string
	Interval time.Duration
}

// Feed emits synthetic quotes for every subscribed instrument.
type Feed struct {
	cfg  Config
	emit adapter.Emit

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subs *adapter.SubscriptionSet

	mu    sync.Mutex
	ticks map[string]uint64
}

// New constructs the feed. Start must be called before it produces data.
func New(cfg Config, emit adapter.Emit) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	return &Feed{
		cfg:   cfg,
		emit:  emit,
		done:  make(chan struct{}),
		subs:  adapter.NewSubscriptionSet(),
		ticks: make(map[string]uint64),
	}
}

// Start launches the tick loop.
func (f *Feed) Start(ctx context.Context) {
	f.ctx, f.cancel = context.WithCancel(ctx)
	go f.run()
}

// Stop terminates the tick loop and waits for it to unwind.
func (f *Feed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	<-f.done
}

// Source implements connector.Adapter.
func (f *Feed) Source() string { return f.cfg.Source }

// Prefixes implements connector.Adapter.
func (f *Feed) Prefixes() []string { return f.cfg.Prefixes }

// Subscribe implements connector.Adapter.
func (f *Feed) Subscribe(keys []string) { f.subs.Add(keys) }

// Unsubscribe implements connector.Adapter.
func (f *Feed) Unsubscribe(keys []string) { f.subs.Remove(keys) }

// Health implements connector.Adapter. The synthetic feed is always up.
func (f *Feed) Health() connector.Health {
	return connector.Health{
		Source:      f.cfg.Source,
		Connected:   true,
		Instruments: f.subs.Len(),
	}
}

func (f *Feed) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case now := <-ticker.C:
			for _, key := range f.subs.List() {
				f.emit(f.tick(key, now))
			}
		}
	}
}

// tick produces the next quote for the instrument. The first tick carries
// the session fields; later ticks carry only the moving trade and book
// fields, exercising the downstream diff path.
func (f *Feed) tick(key string, now time.Time) schema.Snapshot {
	f.mu.Lock()
	n := f.ticks[key]
	f.ticks[key]++
	f.mu.Unlock()

	base := basePrice(key)
	price := base * (1 + 0.001*math.Sin(float64(n)/7))

	var snap schema.Snapshot
	snap.SetString(schema.FieldInstrumentID, key)
	snap.SetString(schema.FieldExchangeID, schema.ExchangePrefix(key))
	snap.SetString(schema.FieldSource, f.cfg.Source)
	snap.SetString(schema.FieldDateTime, now.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	snap.SetFloat(schema.FieldLastPrice, round2(price))
	snap.SetInt(schema.FieldVolume, int64(n+1)*10)
	snap.SetFloat(schema.FieldAmount, round2(price*float64(n+1)*10))
	snap.SetFloat(schema.BidPriceField(0), round2(price-base*0.0005))
	snap.SetInt(schema.BidVolumeField(0), int64(n%17)+1)
	snap.SetFloat(schema.AskPriceField(0), round2(price+base*0.0005))
	snap.SetInt(schema.AskVolumeField(0), int64(n%13)+1)

	if n == 0 {
		snap.SetString(schema.FieldTradingDay, now.UTC().Format("20060102"))
		snap.SetFloat(schema.FieldOpen, base)
		snap.SetFloat(schema.FieldPreClose, base)
		snap.SetFloat(schema.FieldUpperLimit, round2(base*1.1))
		snap.SetFloat(schema.FieldLowerLimit, round2(base*0.9))
	}
	snap.SetFloat(schema.FieldHigh, round2(math.Max(base, price)))
	snap.SetFloat(schema.FieldLow, round2(math.Min(base, price)))
	return snap
}

func basePrice(key string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return 100 + float64(h.Sum32()%9000)/10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
