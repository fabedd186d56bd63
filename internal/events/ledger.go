package events

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	ledgerFileName   = "events.jsonl"
	sequenceFileName = "sequence.txt"
)

// LedgerWriteError wraps a persistence failure during append. The bus
// treats it as fatal for the publish: no handler observes the event.
type LedgerWriteError struct {
	Err error
}

func (e *LedgerWriteError) Error() string { return fmt.Sprintf("ledger write: %v", e.Err) }
func (e *LedgerWriteError) Unwrap() error { return e.Err }

// Ledger is the append-only durable event log: one self-describing JSON
// record per line plus a sibling counter holding the next sequence.
// Records are never modified or deleted. A torn final record left by a
// crash is truncated at open and the counter reconciled to the last
// intact record.
type Ledger struct {
	mu     sync.Mutex
	logger *zap.Logger
	dir    string
	file   *os.File
	// nextSeq is the sequence the next appended event receives.
	nextSeq uint64
}

// OpenLedger opens (or creates) the ledger in dir and recovers from a
// torn tail.
func OpenLedger(logger *zap.Logger, dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &Ledger{
		logger: logger.Named("ledger"),
		dir:    dir,
	}

	lastSeq, validBytes, err := l.scan()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, ledgerFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() > validBytes {
		l.logger.Warn("Truncating torn ledger tail",
			zap.Int64("fileSize", info.Size()),
			zap.Int64("validBytes", validBytes),
		)
		if err := f.Truncate(validBytes); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek ledger end: %w", err)
	}

	l.file = f
	l.nextSeq = lastSeq + 1
	if lastSeq == 0 && validBytes == 0 {
		l.nextSeq = 1
	}
	if err := l.writeCounter(); err != nil {
		f.Close()
		return nil, err
	}

	l.logger.Info("Ledger opened",
		zap.String("dir", dir),
		zap.Uint64("nextSequence", l.nextSeq),
	)
	return l, nil
}

// scan walks the ledger verifying records and returns the last intact
// sequence and the byte offset after the last intact record.
func (l *Ledger) scan() (lastSeq uint64, validBytes int64, err error) {
	path := filepath.Join(l.dir, ledgerFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("open ledger for scan: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // newline
		ev, uerr := Unmarshal(line)
		if uerr != nil {
			// Torn or corrupt tail. Anything beyond it is discarded.
			l.logger.Warn("Unparseable ledger record, truncating from here",
				zap.Int64("offset", offset), zap.Error(uerr))
			return lastSeq, offset, nil
		}
		if ev.Sequence != lastSeq+1 {
			return 0, 0, fmt.Errorf("ledger sequence gap: have %d after %d", ev.Sequence, lastSeq)
		}
		lastSeq = ev.Sequence
		offset += lineLen
	}
	if serr := scanner.Err(); serr != nil {
		return 0, 0, fmt.Errorf("scan ledger: %w", serr)
	}
	return lastSeq, offset, nil
}

// Append assigns the next sequence, writes the record and flushes it to
// durable storage before returning. The event's Sequence field is set.
func (l *Ledger) Append(ev *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Sequence = l.nextSeq
	data, err := ev.Marshal()
	if err != nil {
		return &LedgerWriteError{Err: err}
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return &LedgerWriteError{Err: err}
	}
	if err := l.file.Sync(); err != nil {
		return &LedgerWriteError{Err: err}
	}
	l.nextSeq++
	if err := l.writeCounter(); err != nil {
		return err
	}
	return nil
}

// NextSequence returns the sequence the next append will receive.
func (l *Ledger) NextSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Replay streams every intact event to fn in ledger order.
func (l *Ledger) Replay(fn func(*Event) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, ledgerFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		ev, uerr := Unmarshal(scanner.Bytes())
		if uerr != nil {
			// scan() already truncated torn tails at open; stop quietly.
			return nil
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Tail returns up to n most recent events.
func (l *Ledger) Tail(n int) ([]*Event, error) {
	var all []*Event
	if err := l.Replay(func(ev *Event) error {
		all = append(all, ev)
		return nil
	}); err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// Close syncs and closes the ledger file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// writeCounter persists the next sequence to the sibling counter file.
func (l *Ledger) writeCounter() error {
	path := filepath.Join(l.dir, sequenceFileName)
	data := []byte(strconv.FormatUint(l.nextSeq, 10) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &LedgerWriteError{Err: err}
	}
	return nil
}

// ReadCounter reads the persisted next sequence, zero when absent.
func ReadCounter(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, sequenceFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
