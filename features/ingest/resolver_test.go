package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/apps/ingest/internal/pipeline"
)

type mockChecker struct {
	result  *pipeline.CheckResult
	err     error
	lastReq pipeline.ProcessRequest
}

func (m *mockChecker) Check(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.CheckResult, error) {
	m.lastReq = req
	return m.result, m.err
}

func TestResolve_FileSource(t *testing.T) {
	checker := &mockChecker{result: &pipeline.CheckResult{
		Filename:    "report_normalized.pdf",
		DisplayName: "Annual Report",
		Exists:      true,
		Count:       31,
		Stats:       pipeline.CheckStats{Size: 4096, Pages: 20},
	}}
	r := NewResolver(checker)

	res, err := r.Resolve(context.Background(), fileSource("report.pdf"))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/report.pdf", checker.lastReq.FilePath)
	assert.Equal(t, "report.pdf", checker.lastReq.FileName)

	assert.Equal(t, "report_normalized.pdf", res.PhysicalName)
	assert.Equal(t, "Annual Report", res.DisplayName)
	assert.True(t, res.Exists)
	assert.Equal(t, 31, res.Count)
	assert.Equal(t, 20, res.Pages)
}

func TestResolve_DisplayNameFallback(t *testing.T) {
	// No display name from the backend: fall back to the physical filename.
	checker := &mockChecker{result: &pipeline.CheckResult{Filename: "doc_a1b2.pdf"}}
	r := NewResolver(checker)

	res, err := r.Resolve(context.Background(), fileSource("original.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "doc_a1b2.pdf", res.DisplayName)

	// Nothing from the backend at all: keep the submitted name.
	checker.result = nil
	res, err = r.Resolve(context.Background(), fileSource("original.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "original.pdf", res.DisplayName)
	assert.False(t, res.Exists)
}

func TestResolve_URLSource(t *testing.T) {
	checker := &mockChecker{result: &pipeline.CheckResult{Filename: "fetched.pdf"}}
	r := NewResolver(checker)

	src := Source{Kind: SourceURL, Name: "https://example.com/doc.pdf", URL: "https://example.com/doc.pdf"}
	_, err := r.Resolve(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/doc.pdf", checker.lastReq.URL)
	assert.Empty(t, checker.lastReq.FilePath)
}
