// Package connector aggregates feed adapters and multiplexes downstream
// demand across them with upstream reference counting.
package connector

import (
	"sort"
	"sync"
	"time"

	"github.com/melq/mdgate/internal/observability"
	"github.com/melq/mdgate/internal/schema"
)

// Health describes one adapter's upstream connection state.
type Health struct {
	Source      string    `json:"source"`
	Connected   bool      `json:"connected"`
	Since       time.Time `json:"since"`
	Reconnects  uint64    `json:"reconnects"`
	Instruments int       `json:"instruments"`
}

// Adapter is the producer contract. Subscribe and Unsubscribe must not
// block; adapters queue commands internally and replay the active set after
// a reconnect.
type Adapter interface {
	Source() string
	// Prefixes lists the exchange qualifiers this adapter owns. Empty means
	// the adapter accepts any instrument.
	Prefixes() []string
	Subscribe(keys []string)
	Unsubscribe(keys []string)
	Health() Health
}

// Ingestor accepts normalized snapshots. Implemented by the distributor.
type Ingestor interface {
	Ingest(snap schema.Snapshot)
}

// Connector relays snapshots from adapters into the ingestor and issues
// upstream subscribe commands only on 0→1 demand edges (and stops on 1→0),
// keeping upstream bandwidth proportional to instruments in demand.
type Connector struct {
	ingestor Ingestor
	log      observability.Logger

	mu       sync.Mutex
	adapters []Adapter
	refcount map[string]uint32
}

// New constructs a connector. Bind must run before adapters produce data.
func New(log observability.Logger) *Connector {
	if log == nil {
		log = observability.Log()
	}
	return &Connector{
		log:      log,
		refcount: make(map[string]uint32),
	}
}

// Bind wires the ingestor the connector relays snapshots into. The
// connector and distributor reference each other, so one side binds late.
func (c *Connector) Bind(ingestor Ingestor) {
	c.mu.Lock()
	c.ingestor = ingestor
	c.mu.Unlock()
}

// RegisterAdapter adds an adapter to the live set. Called at startup.
func (c *Connector) RegisterAdapter(a Adapter) {
	if a == nil {
		return
	}
	c.mu.Lock()
	c.adapters = append(c.adapters, a)
	c.mu.Unlock()
	c.log.Info("adapter registered", observability.F("source", a.Source()))
}

// OnSnapshot relays one upstream arrival into the ingestor. Adapters invoke
// this from their read loops.
func (c *Connector) OnSnapshot(snap schema.Snapshot) {
	c.mu.Lock()
	ingestor := c.ingestor
	c.mu.Unlock()
	if ingestor != nil {
		ingestor.Ingest(snap)
	}
}

// Subscribe increments the refcount for each key and commands the owning
// adapters to start producing keys crossing the 0→1 edge.
func (c *Connector) Subscribe(keys []string) {
	c.mu.Lock()
	fresh := make([]string, 0, len(keys))
	for _, key := range keys {
		c.refcount[key]++
		if c.refcount[key] == 1 {
			fresh = append(fresh, key)
		}
	}
	adapters := c.adaptersLocked()
	c.mu.Unlock()

	if len(fresh) > 0 {
		c.command(adapters, fresh, true)
	}
}

// Unsubscribe decrements the refcount for each key and commands the owning
// adapters to stop producing keys crossing the 1→0 edge.
func (c *Connector) Unsubscribe(keys []string) {
	c.mu.Lock()
	idle := make([]string, 0, len(keys))
	for _, key := range keys {
		count, ok := c.refcount[key]
		if !ok {
			continue
		}
		if count <= 1 {
			delete(c.refcount, key)
			idle = append(idle, key)
			continue
		}
		c.refcount[key] = count - 1
	}
	adapters := c.adaptersLocked()
	c.mu.Unlock()

	if len(idle) > 0 {
		c.command(adapters, idle, false)
	}
}

// Refcount returns the current upstream refcount for the key.
func (c *Connector) Refcount(key string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refcount[key]
}

// Demand returns the sorted set of instruments with non-zero refcount.
func (c *Connector) Demand() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.refcount))
	for key := range c.refcount {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Status reports the health of every registered adapter.
func (c *Connector) Status() []Health {
	c.mu.Lock()
	adapters := c.adaptersLocked()
	c.mu.Unlock()
	out := make([]Health, 0, len(adapters))
	for _, a := range adapters {
		out = append(out, a.Health())
	}
	return out
}

func (c *Connector) adaptersLocked() []Adapter {
	return append([]Adapter(nil), c.adapters...)
}

// command routes each key to the adapters owning its exchange prefix. Keys
// no adapter claims are broadcast to every adapter.
func (c *Connector) command(adapters []Adapter, keys []string, subscribe bool) {
	byAdapter := make(map[Adapter][]string)
	for _, key := range keys {
		routed := false
		prefix := schema.ExchangePrefix(key)
		for _, a := range adapters {
			if owns(a, prefix) {
				byAdapter[a] = append(byAdapter[a], key)
				routed = true
			}
		}
		if !routed {
			for _, a := range adapters {
				byAdapter[a] = append(byAdapter[a], key)
			}
		}
	}
	for a, routed := range byAdapter {
		if subscribe {
			a.Subscribe(routed)
		} else {
			a.Unsubscribe(routed)
		}
	}
}

func owns(a Adapter, prefix string) bool {
	prefixes := a.Prefixes()
	if len(prefixes) == 0 {
		return true
	}
	if prefix == "" {
		return false
	}
	for _, p := range prefixes {
		if p == prefix {
			return true
		}
	}
	return false
}
