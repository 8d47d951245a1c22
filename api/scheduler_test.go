package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectionsScheduler_Snapshot(t *testing.T) {
	// GIVEN: pn-1 (1000.00, 10 days at 1%) and pn-2 (500.00, 4 days at 2%) overdue
	// WHEN: Taking a snapshot
	// THEN: Two notes, 1500.00 pending, 140.00 interest, 1640.00 total due

	ts := setupTestServer(t)
	cs := NewCollectionsScheduler(ts.handler.Query, ts.handler.Metrics, quietLogger())

	snap, err := cs.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, snap.OverdueNotes)
	assert.Equal(t, "1500.00", snap.PendingBalance.StringFixed(2))
	assert.Equal(t, "140.00", snap.AccruedInterest.StringFixed(2))
	assert.Equal(t, "1640.00", snap.TotalDue.StringFixed(2))
	assert.True(t, snap.AsOf.Equal(testNow))
}

func TestCollectionsScheduler_PublishesGauges(t *testing.T) {
	ts := setupTestServer(t)
	cs := NewCollectionsScheduler(ts.handler.Query, ts.handler.Metrics, quietLogger())
	cs.CheckInterval = time.Hour

	// The first refresh runs before Stop returns.
	cs.Start()
	cs.Stop()

	rec := ts.do(t, http.MethodGet, "/metrics", nil, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "settlement_overdue_promissory_notes 2")
	assert.Contains(t, body, `settlement_overdue_amount{component="total_due"} 1640`)
}

func TestCollectionsScheduler_Disabled(t *testing.T) {
	ts := setupTestServer(t)
	cs := NewCollectionsScheduler(ts.handler.Query, ts.handler.Metrics, quietLogger())
	cs.Enabled = false

	cs.Start()
	cs.Stop()

	rec := ts.do(t, http.MethodGet, "/metrics", nil, "", "")
	assert.Contains(t, rec.Body.String(), "settlement_overdue_promissory_notes 0")
}
