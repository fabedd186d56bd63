// Package pending persists in-flight entry contexts so a restart can
// pick up working orders where the previous process left them.
package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

const storeFileName = "pending_entries.json"

// Store is a durable client-order-id keyed map of PendingEntry. Every
// mutation rewrites the backing file through an atomic rename.
type Store struct {
	mu      sync.Mutex
	logger  *zap.Logger
	path    string
	entries map[string]*types.PendingEntry
}

// Open loads (or creates) the store in dir.
func Open(logger *zap.Logger, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create pending dir: %w", err)
	}
	s := &Store{
		logger:  logger.Named("pending"),
		path:    filepath.Join(dir, storeFileName),
		entries: make(map[string]*types.PendingEntry),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending store: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.entries); err != nil {
			return nil, fmt.Errorf("decode pending store: %w", err)
		}
	}
	s.logger.Info("Pending entries loaded", zap.Int("count", len(s.entries)))
	return s, nil
}

// Save inserts or replaces an entry and persists.
func (s *Store) Save(pe *types.PendingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pe
	s.entries[pe.ClientOrderID] = &cp
	return s.flush()
}

// Remove deletes an entry and persists. Removing an absent id is a
// no-op.
func (s *Store) Remove(clientOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[clientOrderID]; !ok {
		return nil
	}
	delete(s.entries, clientOrderID)
	return s.flush()
}

// Get returns a copy of the entry, nil when absent.
func (s *Store) Get(clientOrderID string) *types.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pe, ok := s.entries[clientOrderID]; ok {
		cp := *pe
		return &cp
	}
	return nil
}

// All returns copies of every entry sorted by client order id.
func (s *Store) All() []*types.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.PendingEntry, 0, len(s.entries))
	for _, pe := range s.entries {
		cp := *pe
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientOrderID < out[j].ClientOrderID })
	return out
}

// FindByBar returns the entry matching (symbol, candle timestamp), nil
// when none exists. This is the duplicate-entry lookup.
func (s *Store) FindByBar(symbol string, candleTS time.Time) *types.PendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pe := range s.entries {
		if pe.Symbol == symbol && pe.CandleTimestamp.Equal(candleTS) {
			cp := *pe
			return &cp
		}
	}
	return nil
}

// Reconcile compares the stored entries against the venue's open orders
// and drops entries whose orders are no longer working. Entries whose
// orders filled while the process was down are returned so the caller
// can ingest synthetic fills.
func (s *Store) Reconcile(ctx context.Context, ex exchange.Exchange) (retained, filled []*types.PendingEntry, err error) {
	s.mu.Lock()
	entries := make([]*types.PendingEntry, 0, len(s.entries))
	for _, pe := range s.entries {
		cp := *pe
		entries = append(entries, &cp)
	}
	s.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ClientOrderID < entries[j].ClientOrderID })

	for _, pe := range entries {
		order, gerr := ex.GetOrder(ctx, pe.Symbol, pe.ClientOrderID)
		if gerr != nil {
			if exchange.IsUnknownOrder(gerr) {
				s.logger.Warn("Dropping stale pending entry, order unknown to venue",
					zap.String("clientOrderId", pe.ClientOrderID))
				if rerr := s.Remove(pe.ClientOrderID); rerr != nil {
					return retained, filled, rerr
				}
				continue
			}
			return retained, filled, fmt.Errorf("reconcile %s: %w", pe.ClientOrderID, gerr)
		}
		switch order.Status {
		case types.OrderStatusFilled:
			filled = append(filled, pe)
		case types.OrderStatusCancelled, types.OrderStatusExpired:
			s.logger.Info("Dropping pending entry, order terminal on venue",
				zap.String("clientOrderId", pe.ClientOrderID),
				zap.String("status", string(order.Status)))
			if rerr := s.Remove(pe.ClientOrderID); rerr != nil {
				return retained, filled, rerr
			}
		default:
			retained = append(retained, pe)
		}
	}
	return retained, filled, nil
}

// flush writes the map via a temp file and atomic rename. Caller holds
// the lock.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pending store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write pending store: %w", err)
	}
	return os.Rename(tmp, s.path)
}
