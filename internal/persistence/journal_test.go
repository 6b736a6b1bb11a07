package persistence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"futures-engine/pkg/db"
	"futures-engine/pkg/exchanges/common"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))
	return database
}

func TestJournalRecordsEvents(t *testing.T) {
	database := newTestDB(t)
	w := NewBatchWriter(database, 100, time.Hour)
	defer w.Close()
	j := NewJournal(w)

	j.RecordEvent(common.OrderEvent{ClientOrderID: "a", Symbol: "BTCUSDT", Status: common.StatusNew, Source: common.SourceStream}, "applied")
	j.RecordEvent(common.OrderEvent{ClientOrderID: "a", Symbol: "BTCUSDT", Status: common.StatusNew, Source: common.SourceResync}, "duplicate")
	assert.Equal(t, 2, w.Pending())
	require.NoError(t, j.Flush())
	assert.Zero(t, w.Pending())

	rows, err := database.ListOrderEvents(context.Background(), "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "duplicate", rows[1].Outcome)
	assert.Equal(t, "resync", rows[1].Source)

	require.NoError(t, j.RecordAudit(time.UnixMilli(5), 1, 0, []string{"BTCUSDT"}))
	require.NoError(t, w.Close())
	reports, err := database.ListAuditReports(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, `["BTCUSDT"]`, reports[0].Detail)

	m := w.GetMetrics()
	assert.Equal(t, uint64(3), m.TotalWrites)
	assert.Equal(t, uint64(2), m.TotalBatches)
}

func TestBatchWriterFlushesOnSizeAndRollsBack(t *testing.T) {
	database := newTestDB(t)
	w := NewBatchWriter(database, 2, time.Hour)
	defer w.Close()

	boom := errors.New("boom")
	w.Write(func(ctx context.Context, tx *db.Database) error {
		return tx.InsertAuditReport(ctx, db.AuditReport{ID: "r1", CreatedAt: 1, Detail: "{}"})
	})
	w.Write(func(context.Context, *db.Database) error { return boom })

	require.Eventually(t, func() bool { return w.GetMetrics().TotalErrors == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, w.Pending())
	reports, err := database.ListAuditReports(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	j.RecordEvent(common.OrderEvent{}, "applied")
	assert.NoError(t, j.RecordAudit(time.Now(), 0, 0, nil))
	assert.NoError(t, j.Flush())
}
