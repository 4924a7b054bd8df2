package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

// auditPageSize bounds each audit query issued while archiving.
const auditPageSize = 1000

// ReportPath is the object key of an allocation report:
//
//	reports/allocations/{wallet}/{YYYY-MM-DD}/{unix-nanos}.json
func ReportPath(wallet string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s%s/%d.json", ReportPrefix(wallet), at.Format("2006-01-02"), at.UnixNano())
}

// ReportPrefix is the key prefix under which a wallet's reports live.
func ReportPrefix(wallet string) string {
	return "reports/allocations/" + strings.ToLower(wallet) + "/"
}

// multipartPutter is implemented by *Writer.
type multipartPutter interface {
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// AuditArchiver copies audit entries older than a cutoff to object storage
// as JSONL. Rows stay in Postgres; pruning is a separate, explicit step.
type AuditArchiver struct {
	writer      domain.BlobWriter
	audit       domain.AuditStore
	multipartAt int
}

// NewAuditArchiver creates an AuditArchiver. Archives larger than 16 MiB go
// through the multipart uploader when writer supports it.
func NewAuditArchiver(writer domain.BlobWriter, audit domain.AuditStore) *AuditArchiver {
	return &AuditArchiver{writer: writer, audit: audit, multipartAt: multipartThreshold}
}

// ArchiveAudit uploads every audit entry created up to the cutoff to
// archive/audit/YYYY-MM.jsonl and records the run in the audit log. It
// returns the number of archived entries.
func (a *AuditArchiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	var entries []domain.AuditEntry
	for offset := 0; ; offset += auditPageSize {
		until := before
		page, err := a.audit.List(ctx, domain.ListOpts{
			Limit:  auditPageSize,
			Offset: offset,
			Until:  &until,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
		}
		entries = append(entries, page...)
		if len(page) < auditPageSize {
			break
		}
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.upload(ctx, path, buf); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	count := int64(len(entries))
	if err := a.audit.Log(ctx, "archive.audit", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}
	return count, nil
}

func (a *AuditArchiver) upload(ctx context.Context, path string, buf []byte) error {
	const contentType = "application/x-ndjson"
	if mp, ok := a.writer.(multipartPutter); ok && len(buf) > a.multipartAt {
		return mp.PutMultipart(ctx, path, bytes.NewReader(buf), contentType, minPartSize)
	}
	return a.writer.Put(ctx, path, bytes.NewReader(buf), contentType)
}

// archivePath partitions archives by the cutoff's year and month, e.g.
// archive/audit/2025-01.jsonl.
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01"))
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
