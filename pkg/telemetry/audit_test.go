package telemetry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/soundprediction/lettuce/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditSink_FlushesFullBatches(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewAuditSink(dir, 2)
	require.NoError(t, err)

	ctx := context.WithValue(context.Background(), types.ContextKeyRequestID, "req-42")
	spans := []types.Span{
		{Start: 60, End: 70, Confidence: 0.91, Text: "69 million"},
		{Start: 0, End: 5, Confidence: 0.55, Text: "Paris"},
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.RecordDetection(ctx, NewDetectionRecord(ctx, "static", types.FormatSpans, 0.5, spans)))
	}

	files, err := filepath.Glob(sink.Pattern())
	require.NoError(t, err)
	assert.Len(t, files, 1, "one full batch written before close")

	require.NoError(t, sink.Close())
	files, err = filepath.Glob(sink.Pattern())
	require.NoError(t, err)
	require.Len(t, files, 2)

	var total int
	for _, f := range files {
		rows, err := parquet.ReadFile[DetectionRecord](f)
		require.NoError(t, err)
		for _, r := range rows {
			assert.Equal(t, "req-42", r.RequestID)
			assert.Equal(t, "spans", r.Format)
			assert.Equal(t, 2, r.SpanCount)
			assert.InDelta(t, 0.91, r.MaxConfidence, 1e-9)
			assert.Contains(t, r.Spans, "69 million")
		}
		total += len(rows)
	}
	assert.Equal(t, 3, total)
}

func TestNewDetectionRecord_NoSpans(t *testing.T) {
	rec := NewDetectionRecord(context.Background(), "static", types.FormatTokens, 0.3, nil)
	assert.Equal(t, "tokens", rec.Format)
	assert.Zero(t, rec.SpanCount)
	assert.Empty(t, rec.Spans)
	assert.Empty(t, rec.RequestID)
	assert.NotEmpty(t, rec.ID)
}
