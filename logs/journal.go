// logs/journal.go
package logs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TradeEntry is recorded when a new stack is opened from a signal.
type TradeEntry struct {
	Time            time.Time `json:"time"`
	StackID         string    `json:"stack_id"`
	Ticket          string    `json:"ticket"`
	Symbol          string    `json:"symbol"`
	Direction       string    `json:"direction"`
	Volume          float64   `json:"volume"`
	EntryPrice      float64   `json:"entry_price"`
	ConfluenceScore int       `json:"confluence_score"`
	Factors         []string  `json:"factors"`
	TrendStrength   float64   `json:"trend_strength"`
}

// RecoveryDecision is recorded for every recovery action the engine takes or refuses.
type RecoveryDecision struct {
	Time                time.Time `json:"time"`
	StackID             string    `json:"stack_id"`
	Ticket              string    `json:"ticket"`
	Symbol              string    `json:"symbol"`
	Type                string    `json:"type"` // DCA, Hedge, Grid, ForceClose
	Level               int       `json:"level,omitempty"`
	Volume              float64   `json:"volume,omitempty"`
	TriggerDistancePips float64   `json:"trigger_distance_pips"`
	UnrealizedPnL       float64   `json:"unrealized_pnl"`
	Blocked             bool      `json:"blocked"`
	BlockReason         string    `json:"block_reason,omitempty"`
}

// NearMiss is recorded for signals that scored close to the threshold but were not taken.
type NearMiss struct {
	Time          time.Time `json:"time"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Score         int       `json:"score"`
	MinScore      int       `json:"min_score"`
	Direction     string    `json:"direction"`
	Factors       []string  `json:"factors"`
	TrendStrength float64   `json:"trend_strength"`
	Reason        string    `json:"reason"`
}

// StackClose is recorded when a stack leaves the book.
type StackClose struct {
	Time        time.Time `json:"time"`
	StackID     string    `json:"stack_id"`
	Symbol      string    `json:"symbol"`
	Direction   string    `json:"direction"`
	Reason      string    `json:"reason"`
	DCALevel    int       `json:"dca_level"`
	Hedged      bool      `json:"hedged"`
	RealizedPnL float64   `json:"realized_pnl"`
	StopOut     bool      `json:"stop_out"`
}

// Recorder receives decision records. Implementations must not block the control loop for long.
type Recorder interface {
	RecordTrade(TradeEntry) error
	RecordRecovery(RecoveryDecision) error
	RecordNearMiss(NearMiss) error
	RecordClose(StackClose) error
}

// Journal appends one JSON object per line to rotated files, one file per record type.
type Journal struct {
	mu       sync.Mutex
	trades   *lumberjack.Logger
	recovery *lumberjack.Logger
	nearMiss *lumberjack.Logger
	closes   *lumberjack.Logger
}

// NewJournal creates a journal under dir. Rotation limits follow the process log settings.
func NewJournal(dir string, maxSizeMB, maxBackups, maxAgeDays int, compress bool) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	newFile := func(name string) *lumberjack.Logger {
		return &lumberjack.Logger{
			Filename:   filepath.Join(dir, name),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			MaxAge:     maxAgeDays,
			Compress:   compress,
		}
	}
	return &Journal{
		trades:   newFile("trade_entries.jsonl"),
		recovery: newFile("recovery_decisions.jsonl"),
		nearMiss: newFile("near_miss_signals.jsonl"),
		closes:   newFile("stack_closes.jsonl"),
	}, nil
}

func (j *Journal) append(w *lumberjack.Logger, record interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("failed to append journal record: %w", err)
	}
	return nil
}

func (j *Journal) RecordTrade(r TradeEntry) error          { return j.append(j.trades, r) }
func (j *Journal) RecordRecovery(r RecoveryDecision) error { return j.append(j.recovery, r) }
func (j *Journal) RecordNearMiss(r NearMiss) error         { return j.append(j.nearMiss, r) }
func (j *Journal) RecordClose(r StackClose) error          { return j.append(j.closes, r) }

// Close flushes and closes every journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, w := range []*lumberjack.Logger{j.trades, j.recovery, j.nearMiss, j.closes} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard is a Recorder that drops every record.
var Discard Recorder = discard{}

type discard struct{}

func (discard) RecordTrade(TradeEntry) error          { return nil }
func (discard) RecordRecovery(RecoveryDecision) error { return nil }
func (discard) RecordNearMiss(NearMiss) error         { return nil }
func (discard) RecordClose(StackClose) error          { return nil }

// MemoryJournal keeps records in memory. Used by tests and the simulation summary.
type MemoryJournal struct {
	mu       sync.Mutex
	Trades   []TradeEntry
	Recovery []RecoveryDecision
	NearMiss []NearMiss
	Closes   []StackClose
}

func (m *MemoryJournal) RecordTrade(r TradeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Trades = append(m.Trades, r)
	return nil
}

func (m *MemoryJournal) RecordRecovery(r RecoveryDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Recovery = append(m.Recovery, r)
	return nil
}

func (m *MemoryJournal) RecordNearMiss(r NearMiss) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NearMiss = append(m.NearMiss, r)
	return nil
}

func (m *MemoryJournal) RecordClose(r StackClose) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closes = append(m.Closes, r)
	return nil
}

// RecoveryByType returns the recovery records of the given type.
func (m *MemoryJournal) RecoveryByType(kind string) []RecoveryDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RecoveryDecision
	for _, r := range m.Recovery {
		if r.Type == kind {
			out = append(out, r)
		}
	}
	return out
}
