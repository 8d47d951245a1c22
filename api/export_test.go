package api

import (
	"bytes"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestExportPromissoryNotes(t *testing.T) {
	// GIVEN: Two overdue notes and one current note
	// WHEN: Exporting overdue notes
	// THEN: An xlsx with a heading row and one row per overdue note

	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/promissory-notes/export?overdue_only=true&page_size=1", nil, "usr-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "promissory-notes.xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3, "heading plus two notes; page_size is ignored")
	assert.Equal(t, exportHeadings, rows[0])

	first := rows[1]
	assert.Equal(t, "Ferretería López", first[0])
	assert.Equal(t, "V-1001", first[1])
	assert.Equal(t, "OVERDUE", first[4])
	assert.Equal(t, "10", first[5])
	assert.Equal(t, "1100", first[11])
}

func TestExportPromissoryNotes_CollectorScope(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/promissory-notes/export", nil, "col-ana", RoleCollector)
	require.Equal(t, http.StatusOK, rec.Code)

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows[1:] {
		assert.Equal(t, "V-1001", row[1])
	}
}

func TestExportPromissoryNotes_BadFilter(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/promissory-notes/export?due_to=tomorrow", nil, "usr-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeAs[ErrorResponse](t, rec).Kind)
}
