package handler

import (
	"io"
	"log/slog"
	"net/http"
	"sort"

	s3blob "github.com/alanyoungcy/lendbot/internal/blob/s3"
	"github.com/alanyoungcy/lendbot/internal/domain"
)

const defaultReportLimit = 50

// ReportHandler serves archived allocation reports from object storage.
type ReportHandler struct {
	reader domain.BlobReader
	logger *slog.Logger
}

// NewReportHandler creates a ReportHandler.
func NewReportHandler(reader domain.BlobReader, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reader: reader, logger: logger}
}

// ListReports returns a wallet's archived reports, newest first.
// GET /api/reports?wallet=0x...&limit=50
func (h *ReportHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := int64Param(r, "limit", defaultReportLimit)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	infos, err := h.newest(r, wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list reports")
		return
	}
	if int64(len(infos)) > limit {
		infos = infos[:limit]
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet": wallet, "reports": infos})
}

// LatestReport streams the most recent archived report of a wallet.
// GET /api/reports/latest?wallet=0x...
func (h *ReportHandler) LatestReport(w http.ResponseWriter, r *http.Request) {
	wallet, err := walletParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	infos, err := h.newest(r, wallet)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list reports")
		return
	}
	if len(infos) == 0 {
		writeError(w, http.StatusNotFound, "no reports archived for wallet")
		return
	}

	body, err := h.reader.Get(r.Context(), infos[0].Path)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to read report")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: report stream interrupted",
			slog.String("path", infos[0].Path),
			slog.String("error", err.Error()),
		)
	}
}

// newest lists the wallet's reports ordered by key, which embeds the
// timestamp, descending.
func (h *ReportHandler) newest(r *http.Request, wallet string) ([]domain.BlobInfo, error) {
	infos, err := h.reader.List(r.Context(), s3blob.ReportPrefix(wallet))
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path > infos[j].Path })
	return infos, nil
}
