package connector

import (
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/melq/mdgate/internal/schema"
)

type fakeAdapter struct {
	source   string
	prefixes []string

	mu     sync.Mutex
	subs   []string
	unsubs []string
}

func (a *fakeAdapter) Source() string     { return a.source }
func (a *fakeAdapter) Prefixes() []string { return a.prefixes }

func (a *fakeAdapter) Subscribe(keys []string) {
	a.mu.Lock()
	a.subs = append(a.subs, keys...)
	a.mu.Unlock()
}

func (a *fakeAdapter) Unsubscribe(keys []string) {
	a.mu.Lock()
	a.unsubs = append(a.unsubs, keys...)
	a.mu.Unlock()
}

func (a *fakeAdapter) Health() Health {
	return Health{Source: a.source, Connected: true}
}

func (a *fakeAdapter) seen() ([]string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subs...), append([]string(nil), a.unsubs...)
}

type captureIngestor struct {
	mu    sync.Mutex
	snaps []schema.Snapshot
}

func (c *captureIngestor) Ingest(snap schema.Snapshot) {
	c.mu.Lock()
	c.snaps = append(c.snaps, snap)
	c.mu.Unlock()
}

func TestRefcountEdgesCommandAdaptersOnce(t *testing.T) {
	c := New(nil)
	a := &fakeAdapter{source: "ctp"}
	c.RegisterAdapter(a)

	// Two subscribers for the same key: only the 0→1 edge reaches upstream.
	c.Subscribe([]string{"SHFE.au2412"})
	c.Subscribe([]string{"SHFE.au2412"})
	subs, _ := a.seen()
	if len(subs) != 1 {
		t.Fatalf("adapter subscribe calls = %v, want one", subs)
	}
	if got := c.Refcount("SHFE.au2412"); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	// First release keeps the feed; the 1→0 edge stops it.
	c.Unsubscribe([]string{"SHFE.au2412"})
	if _, unsubs := a.seen(); len(unsubs) != 0 {
		t.Fatalf("premature unsubscribe: %v", unsubs)
	}
	c.Unsubscribe([]string{"SHFE.au2412"})
	if _, unsubs := a.seen(); !reflect.DeepEqual(unsubs, []string{"SHFE.au2412"}) {
		t.Fatalf("unsubscribe calls = %v", unsubs)
	}
	if got := c.Refcount("SHFE.au2412"); got != 0 {
		t.Fatalf("refcount = %d, want 0", got)
	}
}

func TestUnsubscribeUnknownKeyIsIgnored(t *testing.T) {
	c := New(nil)
	a := &fakeAdapter{source: "ctp"}
	c.RegisterAdapter(a)

	c.Unsubscribe([]string{"SHFE.au2412"})
	if _, unsubs := a.seen(); len(unsubs) != 0 {
		t.Fatalf("unsubscribe calls = %v, want none", unsubs)
	}
}

func TestPrefixRouting(t *testing.T) {
	c := New(nil)
	futures := &fakeAdapter{source: "ctp", prefixes: []string{"SHFE", "DCE"}}
	stocks := &fakeAdapter{source: "sina", prefixes: []string{"SSE"}}
	c.RegisterAdapter(futures)
	c.RegisterAdapter(stocks)

	c.Subscribe([]string{"SHFE.au2412", "SSE.600000"})

	fsubs, _ := futures.seen()
	ssubs, _ := stocks.seen()
	if !reflect.DeepEqual(fsubs, []string{"SHFE.au2412"}) {
		t.Fatalf("futures adapter got %v", fsubs)
	}
	if !reflect.DeepEqual(ssubs, []string{"SSE.600000"}) {
		t.Fatalf("stocks adapter got %v", ssubs)
	}
}

func TestUnownedKeyBroadcasts(t *testing.T) {
	c := New(nil)
	futures := &fakeAdapter{source: "ctp", prefixes: []string{"SHFE"}}
	stocks := &fakeAdapter{source: "sina", prefixes: []string{"SSE"}}
	c.RegisterAdapter(futures)
	c.RegisterAdapter(stocks)

	c.Subscribe([]string{"CZCE.TA501"})

	fsubs, _ := futures.seen()
	ssubs, _ := stocks.seen()
	if len(fsubs) != 1 || len(ssubs) != 1 {
		t.Fatalf("broadcast miss: futures=%v stocks=%v", fsubs, ssubs)
	}
}

func TestAdapterWithoutPrefixesOwnsEverything(t *testing.T) {
	c := New(nil)
	wild := &fakeAdapter{source: "sim"}
	c.RegisterAdapter(wild)

	c.Subscribe([]string{"SHFE.au2412", "SSE.600000"})
	subs, _ := wild.seen()
	sort.Strings(subs)
	if !reflect.DeepEqual(subs, []string{"SHFE.au2412", "SSE.600000"}) {
		t.Fatalf("wildcard adapter got %v", subs)
	}
}

func TestOnSnapshotRelaysAfterBind(t *testing.T) {
	c := New(nil)
	ing := new(captureIngestor)

	var snap schema.Snapshot
	snap.SetString(schema.FieldInstrumentID, "SHFE.au2412")

	// Unbound connector drops quietly.
	c.OnSnapshot(snap)
	c.Bind(ing)
	c.OnSnapshot(snap)

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if len(ing.snaps) != 1 || ing.snaps[0].InstrumentID != "SHFE.au2412" {
		t.Fatalf("relayed snaps = %+v", ing.snaps)
	}
}

func TestDemandListsActiveKeys(t *testing.T) {
	c := New(nil)
	c.RegisterAdapter(&fakeAdapter{source: "sim"})
	c.Subscribe([]string{"SHFE.au2412"})
	c.Subscribe([]string{"DCE.a2405"})
	c.Unsubscribe([]string{"SHFE.au2412"})

	if got := c.Demand(); !reflect.DeepEqual(got, []string{"DCE.a2405"}) {
		t.Fatalf("demand = %v", got)
	}
}

func TestStatusReportsEveryAdapter(t *testing.T) {
	c := New(nil)
	c.RegisterAdapter(&fakeAdapter{source: "ctp"})
	c.RegisterAdapter(&fakeAdapter{source: "sina"})

	status := c.Status()
	if len(status) != 2 || status[0].Source != "ctp" || status[1].Source != "sina" {
		t.Fatalf("status = %+v", status)
	}
}
