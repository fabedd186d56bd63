package news

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Feed supplies raw news items. Implementations must be safe to call
// repeatedly; the monitor deduplicates by item ID.
type Feed interface {
	Fetch(ctx context.Context) ([]Item, error)
}

// FileFeed reads JSON-lines items from a file. The file is re-read on
// every fetch so operators can append items to a running system.
type FileFeed struct {
	Path string
}

// Fetch reads all items from the feed file. A missing file is an empty
// feed, not an error.
func (f *FileFeed) Fetch(ctx context.Context) ([]Item, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open news feed: %w", err)
	}
	defer fh.Close()

	var items []Item
	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			return nil, fmt.Errorf("parse news feed line: %w", err)
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read news feed: %w", err)
	}
	return items, nil
}

// Monitor polls a feed, classifies new items and keeps the per-symbol
// risk flags current. All state changes go through the bus.
type Monitor struct {
	logger     *zap.Logger
	bus        *events.Bus
	states     *state.Manager
	feed       Feed
	classifier *Classifier
	cfg        types.NewsConfig
	seen       map[string]bool
}

// NewMonitor creates a news monitor.
func NewMonitor(logger *zap.Logger, bus *events.Bus, states *state.Manager, feed Feed, cfg types.NewsConfig) *Monitor {
	return &Monitor{
		logger:     logger.Named("news"),
		bus:        bus,
		states:     states,
		feed:       feed,
		classifier: NewClassifier(logger),
		cfg:        cfg,
		seen:       make(map[string]bool),
	}
}

// Poll runs one ingestion pass: clear expired flags, fetch the feed,
// ingest and classify unseen items.
func (m *Monitor) Poll(ctx context.Context, now time.Time) error {
	if err := m.clearExpired(now); err != nil {
		return err
	}

	items, err := m.feed.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch news: %w", err)
	}

	for _, item := range items {
		key := item.ID
		if key == "" {
			key = item.Source + "|" + item.Headline
		}
		if m.seen[key] {
			continue
		}
		m.seen[key] = true

		if err := m.ingest(item, now); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) ingest(item Item, now time.Time) error {
	snap := m.states.Snapshot()
	symbols := m.classifier.SymbolsFor(item, snap.Universe)
	level := m.classifier.Classify(item.Headline)

	if len(symbols) == 0 {
		_, err := m.bus.Publish(events.KindNewsIngested, &events.NewsIngestedPayload{
			Headline: item.Headline,
			Source:   item.Source,
		}, nil)
		return err
	}

	for _, sym := range symbols {
		if _, err := m.bus.Publish(events.KindNewsIngested, &events.NewsIngestedPayload{
			Symbol:   sym,
			Headline: item.Headline,
			Source:   item.Source,
		}, nil); err != nil {
			return err
		}

		if level == types.NewsRiskLow {
			continue
		}
		// Never downgrade an active flag with a milder headline.
		if cur, ok := snap.NewsRiskFlags[sym]; ok && cur.Active(now) &&
			cur.Level == types.NewsRiskHigh && level == types.NewsRiskMedium {
			continue
		}

		expires := now.Add(m.ttl(level))
		if _, err := m.bus.Publish(events.KindNewsClassified, &events.NewsClassifiedPayload{
			Symbol:    sym,
			Level:     level,
			ExpiresAt: expires,
		}, nil); err != nil {
			return err
		}
		m.logger.Warn("news risk flag set",
			zap.String("symbol", sym),
			zap.String("level", string(level)),
			zap.String("headline", item.Headline),
			zap.Time("expires_at", expires))
	}
	return nil
}

// clearExpired publishes LOW classifications for flags whose expiry has
// passed so the state map does not accumulate dead entries.
func (m *Monitor) clearExpired(now time.Time) error {
	snap := m.states.Snapshot()
	var expired []string
	for sym, flag := range snap.NewsRiskFlags {
		if !flag.Active(now) {
			expired = append(expired, sym)
		}
	}
	sort.Strings(expired)
	for _, sym := range expired {
		if _, err := m.bus.Publish(events.KindNewsClassified, &events.NewsClassifiedPayload{
			Symbol: sym,
			Level:  types.NewsRiskLow,
		}, nil); err != nil {
			return err
		}
		m.logger.Info("news risk flag expired", zap.String("symbol", sym))
	}
	return nil
}

func (m *Monitor) ttl(level types.NewsRiskLevel) time.Duration {
	if level == types.NewsRiskHigh {
		return m.cfg.HighRiskTTL
	}
	return m.cfg.MediumRiskTTL
}
