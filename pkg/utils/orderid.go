// Package utils provides small shared helpers for the trading core.
package utils

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Client-order-id lengths are exchange-constrained (Binance futures caps
// at 36 characters), so the generator keeps ids compact.
const maxClientOrderIDLen = 36

// OrderIDGenerator issues unique, monotonic client order ids. A process
// restart keeps uniqueness through the second-granularity timestamp; the
// sequence disambiguates ids within the same second.
type OrderIDGenerator struct {
	mu       sync.Mutex
	lastSec  int64
	sequence int
}

var globalIDGen = &OrderIDGenerator{}

// next returns a compact timestamp+sequence suffix.
func (g *OrderIDGenerator) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	sec := now.Unix()
	if sec != g.lastSec {
		g.lastSec = sec
		g.sequence = 0
	}
	g.sequence++
	return fmt.Sprintf("%d%03d", sec, g.sequence)
}

// EntryOrderID generates a client order id for an entry order.
// Format: <symbol>_EN-<side>-<ts><seq>.
func EntryOrderID(symbol string, side string, now time.Time) string {
	return clampID(fmt.Sprintf("%s_EN-%s-%s", symbol, sideCode(side), globalIDGen.next(now)))
}

// StopOrderID generates a client order id for the initial protective stop.
func StopOrderID(symbol string, side string, now time.Time) string {
	return clampID(fmt.Sprintf("%s_SL-%s-%s", symbol, sideCode(side), globalIDGen.next(now)))
}

// TakeProfitOrderID generates a client order id for the partial take-profit.
func TakeProfitOrderID(symbol string, side string, now time.Time) string {
	return clampID(fmt.Sprintf("%s_TP-%s-%s", symbol, sideCode(side), globalIDGen.next(now)))
}

// TrailingStopOrderID generates the idempotent id for a trailing stop
// replacement. The counter makes each replacement distinct while keeping
// the lineage readable: <symbol>_SL-TRAIL-<side>-<counter>.
func TrailingStopOrderID(symbol string, side string, counter int) string {
	return clampID(fmt.Sprintf("%s_SL-TRAIL-%s-%d", symbol, sideCode(side), counter))
}

// ConvertedOrderID generates the id for a timeout-converted entry while
// preserving the original id lineage.
func ConvertedOrderID(original string, now time.Time) string {
	base := original
	if idx := strings.Index(base, "_EN-"); idx > 0 {
		base = base[:idx]
	}
	return clampID(fmt.Sprintf("%s_CV-%s", base, globalIDGen.next(now)))
}

func sideCode(side string) string {
	if strings.HasPrefix(strings.ToUpper(side), "S") {
		return "S"
	}
	return "B"
}

func clampID(id string) string {
	if len(id) > maxClientOrderIDLen {
		return id[:maxClientOrderIDLen]
	}
	return id
}
