package s3blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

type memWriter struct {
	objects map[string][]byte
	err     error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = make(map[string][]byte)
	}
	w.objects[path] = b
	return nil
}

type memAudit struct {
	entries []domain.AuditEntry
	logged  []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.logged = append(a.logged, event)
	return nil
}

func (a *memAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	for _, e := range a.entries {
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

func TestS3Options(t *testing.T) {
	var o s3.Options
	for _, fn := range s3Options(ClientConfig{Endpoint: "minio:9000", ForcePathStyle: true}) {
		fn(&o)
	}
	require.NotNil(t, o.BaseEndpoint)
	assert.Equal(t, "http://minio:9000", *o.BaseEndpoint)
	assert.True(t, o.UsePathStyle)

	assert.Empty(t, s3Options(ClientConfig{}))
}

func TestReportPath(t *testing.T) {
	at := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	p := ReportPath("0xABC", at)
	assert.True(t, strings.HasPrefix(p, "reports/allocations/0xabc/2025-03-04/"))
	assert.True(t, strings.HasSuffix(p, ".json"))
	assert.True(t, strings.HasPrefix(p, ReportPrefix("0xabc")))
}

func TestArchiveAudit(t *testing.T) {
	cutoff := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "queue.add", CreatedAt: cutoff.Add(-48 * time.Hour)},
		{ID: 2, Event: "queue.remove", CreatedAt: cutoff.Add(-time.Hour)},
		{ID: 3, Event: "queue.add", CreatedAt: cutoff.Add(time.Hour)},
	}}
	w := &memWriter{}

	n, err := NewAuditArchiver(w, audit).ArchiveAudit(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	data, ok := w.objects["archive/audit/2025-02.jsonl"]
	require.True(t, ok)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
	assert.Equal(t, []string{"archive.audit"}, audit.logged)
}

func TestArchiveAuditNothingToDo(t *testing.T) {
	w := &memWriter{}
	n, err := NewAuditArchiver(w, &memAudit{}).ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
}

func TestArchiveAuditUploadError(t *testing.T) {
	audit := &memAudit{entries: []domain.AuditEntry{{ID: 1, CreatedAt: time.Unix(0, 0)}}}
	w := &memWriter{err: errors.New("boom")}

	_, err := NewAuditArchiver(w, audit).ArchiveAudit(context.Background(), time.Now())
	require.Error(t, err)
	assert.Empty(t, audit.logged)
}

type multipartWriter struct {
	memWriter
	parts []int64
}

func (w *multipartWriter) PutMultipart(ctx context.Context, path string, data io.Reader, ct string, partSize int64) error {
	w.parts = append(w.parts, partSize)
	return w.Put(ctx, path, data, ct)
}

func TestArchiveAuditLargeUsesMultipart(t *testing.T) {
	audit := &memAudit{entries: []domain.AuditEntry{
		{ID: 1, Event: "queue.add", CreatedAt: time.Unix(0, 0)},
	}}
	w := &multipartWriter{}
	arch := NewAuditArchiver(w, audit)

	_, err := arch.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, w.parts, "small archive goes through a single put")

	arch.multipartAt = 1
	_, err = arch.ArchiveAudit(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, []int64{minPartSize}, w.parts)
}
