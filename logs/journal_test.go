package logs

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendsOneRecordPerLine(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(dir, 1, 1, 1, false)
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, j.RecordRecovery(RecoveryDecision{Time: now, Ticket: "1001", Symbol: "EURUSD", Type: "DCA", TriggerDistancePips: 21.5, UnrealizedPnL: -8.6}))
	require.NoError(t, j.RecordRecovery(RecoveryDecision{Time: now, Ticket: "1001", Symbol: "EURUSD", Type: "Hedge", Blocked: true, BlockReason: "max hedges reached"}))
	require.NoError(t, j.RecordTrade(TradeEntry{Time: now, Ticket: "1001", Symbol: "EURUSD", Direction: "LONG", EntryPrice: 1.1, ConfluenceScore: 7, Factors: []string{"vwap_band_2_lower", "poc", "swing_low"}}))
	require.NoError(t, j.Close())

	f, err := os.Open(filepath.Join(dir, "recovery_decisions.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var records []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "DCA", records[0]["type"])
	assert.Equal(t, 21.5, records[0]["trigger_distance_pips"])
	assert.Equal(t, false, records[0]["blocked"])
	assert.Equal(t, true, records[1]["blocked"])
	assert.Equal(t, "max hedges reached", records[1]["block_reason"])

	data, err := os.ReadFile(filepath.Join(dir, "trade_entries.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"confluence_score":7`)
}

func TestMemoryJournalFiltersByType(t *testing.T) {
	m := &MemoryJournal{}
	_ = m.RecordRecovery(RecoveryDecision{Type: "DCA"})
	_ = m.RecordRecovery(RecoveryDecision{Type: "Hedge"})
	_ = m.RecordRecovery(RecoveryDecision{Type: "DCA"})

	assert.Len(t, m.RecoveryByType("DCA"), 2)
	assert.Len(t, m.RecoveryByType("Grid"), 0)
}

func TestWithFieldsBeforeInit(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)
	SetLevel(logrus.InfoLevel)

	WithFields(logrus.Fields{"symbol": "EURUSD", "stack": "abc"}).Info("[Recovery] DCA placed")
	assert.Contains(t, buf.String(), "symbol=EURUSD")
	assert.Contains(t, buf.String(), "DCA placed")
}
