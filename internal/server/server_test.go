package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/melq/mdgate/internal/config"
	"github.com/melq/mdgate/internal/connector"
	"github.com/melq/mdgate/internal/distributor"
)

type recordingAdapter struct {
	source string
}

func (a *recordingAdapter) Source() string            { return a.source }
func (a *recordingAdapter) Prefixes() []string        { return nil }
func (a *recordingAdapter) Subscribe(keys []string)   {}
func (a *recordingAdapter) Unsubscribe(keys []string) {}
func (a *recordingAdapter) Health() connector.Health {
	return connector.Health{Source: a.source, Connected: true, Instruments: 3}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *connector.Connector) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	conn := connector.New(nil)
	conn.RegisterAdapter(&recordingAdapter{source: "sim"})
	dist := distributor.New(distributor.Config{}, conn, nil, nil)
	t.Cleanup(dist.Close)
	conn.Bind(dist)
	return New(cfg, dist, conn, nil, nil), conn
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestRESTSubscribeLifecycle(t *testing.T) {
	s, conn := newTestServer(t, nil)
	ts := httptest.NewServer(s.restHandler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/subscribe", `{"instruments":["SHFE.au2412","DCE.a2405"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if got := conn.Refcount("SHFE.au2412"); got != 1 {
		t.Fatalf("refcount = %d, want 1", got)
	}

	// Process-level subscribe is a set: repeats do not double-count upstream.
	resp = postJSON(t, ts.URL+"/api/subscribe", `{"instruments":["SHFE.au2412"]}`)
	_ = resp.Body.Close()
	if got := conn.Refcount("SHFE.au2412"); got != 1 {
		t.Fatalf("refcount after repeat = %d, want 1", got)
	}

	var listing struct {
		Instruments []string `json:"instruments"`
	}
	resp, err := http.Get(ts.URL + "/api/subscriptions")
	if err != nil {
		t.Fatalf("get subscriptions: %v", err)
	}
	decodeBody(t, resp, &listing)
	if len(listing.Instruments) != 2 || listing.Instruments[0] != "DCE.a2405" {
		t.Fatalf("subscriptions = %v", listing.Instruments)
	}

	resp = postJSON(t, ts.URL+"/api/unsubscribe", `{"instruments":["SHFE.au2412"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unsubscribe status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	if got := conn.Refcount("SHFE.au2412"); got != 0 {
		t.Fatalf("refcount after unsubscribe = %d, want 0", got)
	}
}

func TestRESTRejectsBadPayloads(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.restHandler())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/subscribe", `{"instruments":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/subscribe", `{"instruments":["bad key"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid instrument status = %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
}

func TestRESTStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ts := httptest.NewServer(s.restHandler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	var status statusPayload
	decodeBody(t, resp, &status)
	if len(status.Adapters) != 1 || status.Adapters[0].Source != "sim" {
		t.Fatalf("status adapters = %+v", status.Adapters)
	}
	if !status.Adapters[0].Connected || status.Adapters[0].Instruments != 3 {
		t.Fatalf("adapter health = %+v", status.Adapters[0])
	}
}

func TestCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.REST.CORSAllowOrigins = []string{"https://quant.example"}
	})
	ts := httptest.NewServer(s.restHandler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/subscriptions", nil)
	req.Header.Set("Origin", "https://quant.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://quant.example" {
		t.Fatalf("allow-origin = %q", got)
	}

	req.Header.Set("Origin", "https://other.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow-origin for denied origin = %q", got)
	}
}

func TestWebsocketUpgradeRequiresCredentials(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.Websocket.Credentials = config.Credentials{Username: "md", Password: "secret"}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(s.wsHandler(ctx))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + s.cfg.Websocket.Path

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelDial()
	_, resp, err := websocket.Dial(dialCtx, url, nil)
	if err == nil {
		t.Fatal("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	header := http.Header{}
	req, _ := http.NewRequest(http.MethodGet, "http://placeholder", nil)
	req.SetBasicAuth("md", "secret")
	header.Set("Authorization", req.Header.Get("Authorization"))

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial with credentials: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}
