/*
scenarios_test.go - Tests for the demo scenario endpoints

PURPOSE:
	Scenario routes exist only in demo mode, load the documented data, and
	register notes that can be applied through the regular endpoints.
*/
package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/seed"
)

func withScenarios(t *testing.T) *testServer {
	t.Helper()
	ts := setupTestServer(t)
	loader := seed.NewLoader(ts.store, ts.handler.Engine, quietLogger())
	loader.Clock = func() time.Time { return testNow }
	ts.handler.Scenarios = loader
	ts.router = NewRouter(ts.handler, []string{"*"})
	return ts
}

func TestScenarios_NotMountedOutsideDemo(t *testing.T) {
	ts := setupTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/scenarios", nil, "", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"full"}`, "", "").Code)
}

func TestScenarios_List(t *testing.T) {
	ts := withScenarios(t)

	rec := ts.do(t, http.MethodGet, "/api/scenarios", nil, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeAs[[]seed.Scenario](t, rec)
	require.Len(t, list, len(seed.Scenarios))
	assert.Equal(t, "retail-return", list[0].ID)
}

func TestScenario_RetailReturnThenApply(t *testing.T) {
	// GIVEN: The retail-return scenario loaded over existing data
	// WHEN: Applying its debit note, then its credit note
	// THEN: 1000.00 -> 1150.00 -> 1000.00 and the drill stock rises by 3

	ts := withScenarios(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"retail-return"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeAs[seed.Result](t, rec)
	require.Len(t, res.CreditNotes, 1)
	require.Len(t, res.DebitNotes, 1)

	// The previous data set is gone.
	_, ok := ts.store.Client("cli-1")
	assert.False(t, ok)

	rec = ts.do(t, http.MethodPost, "/api/debit-notes/"+string(res.DebitNotes[0])+"/apply", nil, "usr-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1150.00", decodeAs[AppliedNoteDTO](t, rec).ClientBalance)

	rec = ts.do(t, http.MethodPost, "/api/credit-notes/"+string(res.CreditNotes[0])+"/apply", nil, "usr-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1000.00", decodeAs[AppliedNoteDTO](t, rec).ClientBalance)

	drill, ok := ts.store.Product("prd-drill")
	require.True(t, ok)
	assert.Equal(t, int64(13), drill.Stock)
}

func TestScenario_OverduePortfolioListing(t *testing.T) {
	ts := withScenarios(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"overdue-portfolio"}`, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/promissory-notes?overdue_only=true", nil, "usr-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeAs[PromissoryNotePageDTO](t, rec)

	var ids []string
	for _, n := range page.Items {
		ids = append(ids, n.ID)
	}
	assert.ElementsMatch(t, []string{"pn-2001-2", "pn-3001-1"}, ids)

	rec = ts.do(t, http.MethodGet, "/api/promissory-notes", nil, "col-luis", RoleCollector)
	assert.Equal(t, 3, decodeAs[PromissoryNotePageDTO](t, rec).Total)
}

func TestScenario_Unknown(t *testing.T) {
	ts := withScenarios(t)

	rec := ts.do(t, http.MethodPost, "/api/scenarios/load", `{"scenario_id":"nope"}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/scenarios/load", `{}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, map[string]string{"scenario_id": "required"}, decodeAs[ErrorResponse](t, rec).Fields)
}
