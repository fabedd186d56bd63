package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/api"
	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/telemetry"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

type apiFixture struct {
	server *api.Server
	ts     *httptest.Server
	bus    *events.Bus
	states *state.Manager
}

func setupTestServer(t *testing.T) *apiFixture {
	t.Helper()
	logger := zap.NewNop()

	ledger, err := events.OpenLedger(logger, t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	bus := events.NewBus(logger, ledger)
	states := state.NewManager(logger, types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	states.Attach(bus)

	store, err := pending.Open(logger, t.TempDir())
	if err != nil {
		t.Fatalf("open pending store: %v", err)
	}

	metrics := telemetry.New(logger, states)
	metrics.Attach(bus)

	cfg := types.DefaultServerConfig()
	cfg.EventTail = 8

	server := api.NewServer(logger, cfg, bus, states, store, metrics)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &apiFixture{server: server, ts: ts, bus: bus, states: states}
}

func getJSON(t *testing.T, url string, dst any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, dst any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	f := setupTestServer(t)

	var result map[string]any
	if code := getJSON(t, f.ts.URL+"/api/v1/health", &result); code != http.StatusOK {
		t.Fatalf("status %d, want 200", code)
	}
	if result["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", result["status"])
	}
	if result["paused"] != false {
		t.Errorf("paused = %v, want false", result["paused"])
	}
}

func TestStateAndPositionsEndpoints(t *testing.T) {
	f := setupTestServer(t)

	pos := types.Position{
		Symbol:     "BTCUSDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.05),
		EntryPrice: decimal.NewFromInt(42000),
		Leverage:   3,
		TradeID:    "trade-1",
	}
	if _, err := f.bus.Publish(events.KindPositionOpened, &events.PositionOpenedPayload{Position: pos}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var st struct {
		Equity    decimal.Decimal            `json:"equity"`
		Positions map[string]*types.Position `json:"positions"`
	}
	if code := getJSON(t, f.ts.URL+"/api/v1/state", &st); code != http.StatusOK {
		t.Fatalf("state status %d", code)
	}
	if !st.Equity.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("equity = %s, want 10000", st.Equity)
	}
	if _, ok := st.Positions["BTCUSDT"]; !ok {
		t.Error("state snapshot missing BTCUSDT position")
	}

	var posResp struct {
		Count int `json:"count"`
	}
	if code := getJSON(t, f.ts.URL+"/api/v1/positions", &posResp); code != http.StatusOK {
		t.Fatalf("positions status %d", code)
	}
	if posResp.Count != 1 {
		t.Errorf("positions count = %d, want 1", posResp.Count)
	}
}

func TestEventsTailRespectsLimit(t *testing.T) {
	f := setupTestServer(t)

	for i := 0; i < 5; i++ {
		if _, err := f.bus.Publish(events.KindUniverseUpdated, &events.UniverseUpdatedPayload{
			Symbols: []string{"BTCUSDT"},
		}, nil); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	var resp struct {
		Count  int             `json:"count"`
		Events []*events.Event `json:"events"`
	}
	if code := getJSON(t, f.ts.URL+"/api/v1/events?limit=2", &resp); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if resp.Count != 2 || len(resp.Events) != 2 {
		t.Fatalf("count = %d len = %d, want 2", resp.Count, len(resp.Events))
	}
	// Tail keeps the most recent events.
	if resp.Events[1].Sequence <= resp.Events[0].Sequence {
		t.Errorf("events out of order: %d then %d", resp.Events[0].Sequence, resp.Events[1].Sequence)
	}

	if code := getJSON(t, f.ts.URL+"/api/v1/events?limit=zero", nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status %d, want 400", code)
	}
}

func TestAckReviewClearsManualReviewFlag(t *testing.T) {
	f := setupTestServer(t)

	if _, err := f.bus.Publish(events.KindManualInterventionDetected, &events.ManualInterventionDetectedPayload{
		Reason: types.ReasonReconciliationDrift,
	}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !f.states.Snapshot().RequiresManualReview {
		t.Fatal("review flag not set")
	}

	var resp map[string]any
	code := postJSON(t, f.ts.URL+"/api/v1/actions/ack-review",
		map[string]string{"operator": "ops", "note": "verified manually"}, &resp)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if f.states.Snapshot().RequiresManualReview {
		t.Error("review flag still set after acknowledgment")
	}
}

func TestPauseAndResume(t *testing.T) {
	f := setupTestServer(t)
	now := time.Now()

	if code := postJSON(t, f.ts.URL+"/api/v1/actions/pause",
		map[string]any{"operator": "ops", "minutes": 30}, nil); code != http.StatusOK {
		t.Fatalf("pause status %d", code)
	}
	if !f.states.Snapshot().Paused(now) {
		t.Fatal("not paused after pause action")
	}

	if code := postJSON(t, f.ts.URL+"/api/v1/actions/pause",
		map[string]any{"operator": "ops"}, nil); code != http.StatusBadRequest {
		t.Errorf("pause without minutes: status %d, want 400", code)
	}

	if code := postJSON(t, f.ts.URL+"/api/v1/actions/resume",
		map[string]string{"operator": "ops"}, nil); code != http.StatusOK {
		t.Fatalf("resume status %d", code)
	}
	if f.states.Snapshot().Paused(now) {
		t.Error("still paused after resume")
	}
}

func TestKillSwitchAppendsShutdownInitiated(t *testing.T) {
	f := setupTestServer(t)

	var kinds []events.Kind
	f.bus.Subscribe("test-kill", func(ev *events.Event) {
		kinds = append(kinds, ev.Kind)
	})

	if code := postJSON(t, f.ts.URL+"/api/v1/actions/kill",
		map[string]string{"reason": "fat finger"}, nil); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}

	found := false
	for _, k := range kinds {
		if k == events.KindShutdownInitiated {
			found = true
		}
	}
	if !found {
		t.Error("no ShutdownInitiated event appended")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupTestServer(t)

	resp, err := http.Get(f.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d, want 200", resp.StatusCode)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	// Registration goes through the hub loop; give it a beat before
	// publishing so the broadcast reaches this client.
	time.Sleep(50 * time.Millisecond)

	if _, err := f.bus.Publish(events.KindUniverseUpdated, &events.UniverseUpdatedPayload{
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
	}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != "event" {
		t.Fatalf("frame type = %s, want event", frame.Type)
	}

	var ev events.Event
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Kind != events.KindUniverseUpdated {
		t.Errorf("kind = %s, want UniverseUpdated", ev.Kind)
	}
}
