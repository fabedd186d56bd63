package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/strategy"
)

// ThinkingLog writes one JSON line per signal evaluation. It satisfies
// the strategy evaluator's thought sink.
type ThinkingLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	f      *os.File
}

func NewThinkingLog(logger *zap.Logger, dir string) (*ThinkingLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "thinking.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open thinking log: %w", err)
	}
	return &ThinkingLog{logger: logger.Named("thinking"), f: f}, nil
}

// Record appends one evaluation record. Failures are logged, never
// propagated: the thinking log must not affect trading.
func (l *ThinkingLog) Record(rec strategy.ThoughtRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("Thinking record marshal failed", zap.Error(err))
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(raw, '\n')); err != nil {
		l.logger.Warn("Thinking record write failed", zap.Error(err))
	}
}

func (l *ThinkingLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
