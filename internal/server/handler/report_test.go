package handler

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

type memBlobs map[string]string

func (m memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	body, ok := m[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (m memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var out []domain.BlobInfo
	for p, body := range m {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(body))})
		}
	}
	return out, nil
}

func testReports() memBlobs {
	base := "reports/allocations/" + testWallet + "/"
	return memBlobs{
		base + "2025-01-02/1735776000000000000.json": `{"n":2}`,
		base + "2025-01-01/1735689600000000000.json": `{"n":1}`,
		base + "2025-01-03/1735862400000000000.json": `{"n":3}`,
		"reports/allocations/0xother/2025-01-04/1.json": `{"n":4}`,
	}
}

func TestListReportsNewestFirst(t *testing.T) {
	h := NewReportHandler(testReports(), quietLogger())

	rec := do(t, h.ListReports, http.MethodGet, "/api/reports?wallet="+testWallet+"&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reports := decode(t, rec)["reports"].([]any)
	require.Len(t, reports, 2)
	assert.Contains(t, reports[0].(map[string]any)["path"], "2025-01-03")
	assert.Contains(t, reports[1].(map[string]any)["path"], "2025-01-02")

	rec = do(t, h.ListReports, http.MethodGet, "/api/reports?wallet="+testWallet+"&limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLatestReport(t *testing.T) {
	h := NewReportHandler(testReports(), quietLogger())

	rec := do(t, h.LatestReport, http.MethodGet, "/api/reports/latest?wallet="+testWallet, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"n":3}`, rec.Body.String())

	rec = do(t, h.LatestReport, http.MethodGet,
		"/api/reports/latest?wallet=0x00000000000000000000000000000000000000bb", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
