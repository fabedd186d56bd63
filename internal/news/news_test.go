package news

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

func newsFixture(t *testing.T, feed Feed) (*Monitor, *state.Manager, *events.Bus) {
	t.Helper()
	ledger, err := events.OpenLedger(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	bus := events.NewBus(zap.NewNop(), ledger)
	states := state.NewManager(zap.NewNop(), types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	states.Attach(bus)

	if _, err := bus.Publish(events.KindUniverseUpdated, &events.UniverseUpdatedPayload{
		Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
	}, nil); err != nil {
		t.Fatalf("seed universe: %v", err)
	}

	mon := NewMonitor(zap.NewNop(), bus, states, feed, types.DefaultNewsConfig())
	return mon, states, bus
}

func writeFeed(t *testing.T, items []Item) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "news.jsonl")
	var buf []byte
	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			t.Fatalf("marshal item: %v", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	return path
}

func countKind(bus *events.Bus, t *testing.T) map[events.Kind]int {
	t.Helper()
	counts := make(map[events.Kind]int)
	bus.Subscribe("test-counter", func(ev *events.Event) {
		counts[ev.Kind]++
	})
	return counts
}

func TestClassifyHighAndMediumRules(t *testing.T) {
	c := NewClassifier(zap.NewNop())

	high := []string{
		"Exchange halts withdrawals after exploit",
		"Protocol hacked for $40M",
		"SEC sues major exchange over listings",
		"Token delisted from top venue",
	}
	for _, h := range high {
		if got := c.Classify(h); got != types.NewsRiskHigh {
			t.Errorf("Classify(%q) = %s, want HIGH", h, got)
		}
	}

	medium := []string{
		"Major token unlock scheduled for next week",
		"FOMC meeting minutes due Wednesday",
		"Network upgrade ships on mainnet",
	}
	for _, h := range medium {
		if got := c.Classify(h); got != types.NewsRiskMedium {
			t.Errorf("Classify(%q) = %s, want MEDIUM", h, got)
		}
	}

	if got := c.Classify("Daily volume steady across majors"); got != types.NewsRiskLow {
		t.Errorf("benign headline classified %s, want LOW", got)
	}
}

func TestSymbolsForMatchesAliasesWithWordBoundaries(t *testing.T) {
	c := NewClassifier(zap.NewNop())
	universe := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	got := c.SymbolsFor(Item{Headline: "Bitcoin and Ethereum rally continues"}, universe)
	if len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("SymbolsFor = %v, want [BTCUSDT ETHUSDT]", got)
	}

	// SOL inside "solution" must not match.
	got = c.SymbolsFor(Item{Headline: "New custody solution announced"}, universe)
	if len(got) != 0 {
		t.Fatalf("SymbolsFor matched %v on a non-mention", got)
	}

	// Explicit symbols win over headline scanning, with perp suffixes
	// and bare base assets normalized.
	got = c.SymbolsFor(Item{Headline: "irrelevant", Symbols: []string{"SOL-PERP", "eth"}}, universe)
	if len(got) != 2 || got[0] != "SOLUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("SymbolsFor explicit = %v, want [SOLUSDT ETHUSDT]", got)
	}
}

func TestPollSetsHighRiskFlagAndBlocksEntry(t *testing.T) {
	path := writeFeed(t, []Item{
		{ID: "n1", Headline: "BTC exchange halts withdrawals after exploit", Source: "wire"},
	})
	mon, states, bus := newsFixture(t, &FileFeed{Path: path})
	counts := countKind(bus, t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := mon.Poll(context.Background(), now); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if counts[events.KindNewsIngested] != 1 || counts[events.KindNewsClassified] != 1 {
		t.Fatalf("ingested=%d classified=%d, want 1/1",
			counts[events.KindNewsIngested], counts[events.KindNewsClassified])
	}

	snap := states.Snapshot()
	flag, ok := snap.NewsRiskFlags["BTCUSDT"]
	if !ok || flag.Level != types.NewsRiskHigh {
		t.Fatalf("flag = %+v ok=%v, want HIGH", flag, ok)
	}
	if !flag.ExpiresAt.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", flag.ExpiresAt, now.Add(2*time.Hour))
	}
	if !snap.NewsBlocked("BTCUSDT", now) {
		t.Error("BTCUSDT should be news-blocked")
	}
	if snap.NewsBlocked("ETHUSDT", now) {
		t.Error("ETHUSDT should not be news-blocked")
	}
}

func TestPollDeduplicatesItemsAcrossPasses(t *testing.T) {
	path := writeFeed(t, []Item{
		{ID: "n1", Headline: "Solana token unlock scheduled", Source: "wire"},
	})
	mon, _, bus := newsFixture(t, &FileFeed{Path: path})
	counts := countKind(bus, t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := mon.Poll(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Poll %d: %v", i, err)
		}
	}
	if counts[events.KindNewsIngested] != 1 {
		t.Fatalf("ingested %d times, want 1", counts[events.KindNewsIngested])
	}
}

func TestPollClearsExpiredFlag(t *testing.T) {
	path := writeFeed(t, []Item{
		{ID: "n1", Headline: "ETH protocol hacked", Source: "wire"},
	})
	mon, states, _ := newsFixture(t, &FileFeed{Path: path})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := mon.Poll(context.Background(), now); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if _, ok := states.Snapshot().NewsRiskFlags["ETHUSDT"]; !ok {
		t.Fatal("flag not set")
	}

	later := now.Add(3 * time.Hour)
	if err := mon.Poll(context.Background(), later); err != nil {
		t.Fatalf("Poll after expiry: %v", err)
	}
	if _, ok := states.Snapshot().NewsRiskFlags["ETHUSDT"]; ok {
		t.Fatal("expired flag should have been cleared")
	}
	if states.Snapshot().NewsBlocked("ETHUSDT", later) {
		t.Error("ETHUSDT should not be blocked after expiry")
	}
}

func TestPollNeverDowngradesActiveHighFlag(t *testing.T) {
	path := writeFeed(t, []Item{
		{ID: "n1", Headline: "BTC exchange hacked", Source: "wire"},
	})
	mon, states, _ := newsFixture(t, &FileFeed{Path: path})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := mon.Poll(context.Background(), now); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	second := writeFeed(t, []Item{
		{ID: "n2", Headline: "Bitcoin regulatory review continues", Source: "wire"},
	})
	mon.feed = &FileFeed{Path: second}
	if err := mon.Poll(context.Background(), now.Add(time.Minute)); err != nil {
		t.Fatalf("second Poll: %v", err)
	}

	flag := states.Snapshot().NewsRiskFlags["BTCUSDT"]
	if flag.Level != types.NewsRiskHigh {
		t.Fatalf("flag downgraded to %s", flag.Level)
	}
}

func TestFileFeedMissingFileIsEmpty(t *testing.T) {
	feed := &FileFeed{Path: filepath.Join(t.TempDir(), "absent.jsonl")}
	items, err := feed.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("got %d items from missing file", len(items))
	}
}
