// Package quotepoll implements the HTTP polling adapter for stock quote
// pages. Each cycle fetches the demanded symbols in chunks and normalizes
// the returned quote lines into canonical snapshots.
package quotepoll

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/melq/mdgate/internal/adapter"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
	"github.com/melq/mdgate/internal/telemetry"
)

const (
	symbolsPerRequest = 60
	fetchConcurrency  = 4
	requestTimeout    = 10 * time.Second
)

// Config declares one quote page upstream.
type Config struct {
	Source        string
	Address       string
	Prefixes      []string
	PollInterval  time.Duration
	RatePerSecond float64
}

// Poller periodically fetches quote pages for the demanded instrument set.
type Poller struct {
	cfg     Config
	emit    adapter.Emit
	metrics *telemetry.Metrics
	log     observability.Logger
	client  *http.Client
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	subs  *adapter.SubscriptionSet
	state adapter.ConnState
}

// New constructs the poller. Start must be called before it produces data.
func New(cfg Config, emit adapter.Emit, metrics *telemetry.Metrics, log observability.Logger) *Poller {
	if log == nil {
		log = observability.Log()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	return &Poller{
		cfg:     cfg,
		emit:    emit,
		metrics: metrics,
		log:     log,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		done:    make(chan struct{}),
		subs:    adapter.NewSubscriptionSet(),
	}
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.run()
}

// Stop terminates the poll loop and waits for it to unwind.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// Source implements connector.Adapter.
func (p *Poller) Source() string { return p.cfg.Source }

// Prefixes implements connector.Adapter.
func (p *Poller) Prefixes() []string { return p.cfg.Prefixes }

// Subscribe implements connector.Adapter.
func (p *Poller) Subscribe(keys []string) { p.subs.Add(keys) }

// Unsubscribe implements connector.Adapter.
func (p *Poller) Unsubscribe(keys []string) { p.subs.Remove(keys) }

// Health implements connector.Adapter.
func (p *Poller) Health() connector.Health {
	connected, since, reconnects := p.state.Snapshot()
	return connector.Health{
		Source:      p.cfg.Source,
		Connected:   connected,
		Since:       since,
		Reconnects:  reconnects,
		Instruments: p.subs.Len(),
	}
}

func (p *Poller) run() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll fetches every demanded symbol, chunked per request, with bounded
// request concurrency and a shared request rate limit.
func (p *Poller) poll() {
	keys := p.subs.List()
	if len(keys) == 0 {
		return
	}
	chunks := chunkKeys(keys, symbolsPerRequest)
	group := pool.New().WithMaxGoroutines(fetchConcurrency)
	failed := make(chan struct{}, len(chunks))
	for _, chunk := range chunks {
		symbols := chunk
		group.Go(func() {
			if err := p.fetch(symbols); err != nil {
				failed <- struct{}{}
				p.log.Error("quote page fetch failed",
					observability.F("source", p.cfg.Source),
					observability.F("symbols", len(symbols)),
					observability.F("err", err))
			}
		})
	}
	group.Wait()
	select {
	case <-failed:
		if wasUp, _, _ := p.state.Snapshot(); wasUp {
			p.state.SetConnected(false)
			p.state.Reconnected()
			p.metrics.RecordReconnect(p.ctx, p.cfg.Source)
		}
	default:
		p.state.SetConnected(true)
	}
}

func (p *Poller) fetch(keys []string) error {
	if err := p.limiter.Wait(p.ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	codes := make([]string, 0, len(keys))
	byCode := make(map[string]string, len(keys))
	for _, key := range keys {
		code, ok := pageSymbol(key)
		if !ok {
			continue
		}
		codes = append(codes, code)
		byCode[code] = key
	}
	if len(codes) == 0 {
		return nil
	}

	url := p.cfg.Address + "/list=" + strings.Join(codes, ",")
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build quote request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch quote page: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("quote page status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read quote page: %w", err)
	}

	for _, line := range strings.Split(string(body), "\n") {
		code, payload, ok := splitQuoteLine(line)
		if !ok {
			continue
		}
		key, ok := byCode[code]
		if !ok {
			continue
		}
		snap, err := parseQuoteLine(key, payload)
		if err != nil {
			p.log.Debug("quote line discarded",
				observability.F("source", p.cfg.Source),
				observability.F("code", code),
				observability.F("err", err))
			continue
		}
		snap.SetString(schema.FieldSource, p.cfg.Source)
		p.emit(snap)
	}
	return nil
}

func chunkKeys(keys []string, size int) [][]string {
	var chunks [][]string
	for len(keys) > size {
		chunks = append(chunks, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		chunks = append(chunks, keys)
	}
	return chunks
}
