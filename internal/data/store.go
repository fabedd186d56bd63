// Package data loads historical bars and funding points for backtests
// and computes the indicator snapshots the strategy consumes.
package data

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Store reads OHLCV and funding CSV files from a data directory. Bars
// live in <symbol>_<timeframe>.csv, funding in <symbol>_funding.csv.
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.OHLCV
	meta    map[string]*SymbolMetadata
}

// SymbolMetadata describes the coverage of a stored series.
type SymbolMetadata struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	BarCount  int       `json:"barCount"`
	Timeframe string    `json:"timeframe"`
}

func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	s := &Store{
		logger:  logger.Named("data"),
		dataDir: dataDir,
		cache:   make(map[string][]types.OHLCV),
		meta:    make(map[string]*SymbolMetadata),
	}
	if err := s.loadMetadata(); err != nil {
		s.logger.Warn("Failed to load metadata", zap.Error(err))
	}
	return s, nil
}

// LoadBars returns the bars for a symbol within [start, end], sorted,
// deduplicated and loaded through the cache.
func (s *Store) LoadBars(symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s_%s", symbol, tf)
	bars, ok := s.cache[key]
	if !ok {
		var err error
		bars, err = s.readBarsCSV(filepath.Join(s.dataDir, key+".csv"), symbol)
		if err != nil {
			return nil, err
		}
		bars = Normalize(bars)
		s.cache[key] = bars
	}
	return clipRange(bars, start, end), nil
}

// LoadFunding returns funding points for a symbol within [start, end].
func (s *Store) LoadFunding(symbol string, start, end time.Time) ([]types.FundingPoint, error) {
	path := filepath.Join(s.dataDir, symbol+"_funding.csv")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open funding file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var points []types.FundingPoint
	for i, row := range rows {
		if i == 0 && !looksNumeric(row[0]) {
			continue // header
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("%s row %d: want timestamp,rate[,mark_price]", path, i+1)
		}
		ts, err := parseTimestamp(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		rate, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("%s row %d rate: %w", path, i+1, err)
		}
		p := types.FundingPoint{Symbol: symbol, Timestamp: ts, Rate: rate}
		if len(row) > 2 && row[2] != "" {
			if p.MarkPrice, err = decimal.NewFromString(row[2]); err != nil {
				return nil, fmt.Errorf("%s row %d mark: %w", path, i+1, err)
			}
		}
		if (ts.Equal(start) || ts.After(start)) && !ts.After(end) {
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points, nil
}

// SaveBars writes a series as CSV and refreshes metadata. Used by the
// kline download path and by tests.
func (s *Store) SaveBars(symbol string, tf types.Timeframe, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bars = Normalize(bars)
	key := fmt.Sprintf("%s_%s", symbol, tf)
	f, err := os.Create(filepath.Join(s.dataDir, key+".csv"))
	if err != nil {
		return fmt.Errorf("create bars file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for _, b := range bars {
		row := []string{
			strconv.FormatInt(b.Timestamp.UnixMilli(), 10),
			b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	s.cache[key] = bars
	if len(bars) > 0 {
		s.meta[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
			Timeframe: string(tf),
		}
	}
	return s.saveMetadata()
}

// Symbols lists the symbols with stored series.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.meta))
	for sym := range s.meta {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Range returns the stored coverage for a symbol.
func (s *Store) Range(symbol string) (start, end time.Time, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meta[symbol]
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("no data for symbol %s", symbol)
	}
	return m.StartDate, m.EndDate, nil
}

func (s *Store) readBarsCSV(path, symbol string) ([]types.OHLCV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bars file: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	bars := make([]types.OHLCV, 0, len(rows))
	for i, row := range rows {
		if i == 0 && !looksNumeric(row[0]) {
			continue
		}
		if len(row) < 6 {
			return nil, fmt.Errorf("%s row %d: want timestamp,open,high,low,close,volume", path, i+1)
		}
		ts, err := parseTimestamp(row[0])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		bar := types.OHLCV{Symbol: symbol, Timestamp: ts}
		for j, dst := range []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume} {
			if *dst, err = decimal.NewFromString(row[j+1]); err != nil {
				return nil, fmt.Errorf("%s row %d col %d: %w", path, i+1, j+2, err)
			}
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func clipRange(bars []types.OHLCV, start, end time.Time) []types.OHLCV {
	var out []types.OHLCV
	for _, b := range bars {
		if b.Timestamp.Before(start) || b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// parseTimestamp accepts unix milliseconds, unix seconds or RFC3339.
func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return t.UTC(), nil
}

func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c >= '0' && c <= '9'
}

func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, &s.meta)
}

func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0o644)
}
