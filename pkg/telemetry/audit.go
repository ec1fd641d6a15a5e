package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/soundprediction/lettuce/pkg/types"
)

// DetectionRecord is one audited detection.
type DetectionRecord struct {
	ID            string    `parquet:"id"`
	Timestamp     time.Time `parquet:"timestamp"`
	RequestID     string    `parquet:"request_id"`
	Classifier    string    `parquet:"classifier"`
	Format        string    `parquet:"format"`
	Threshold     float64   `parquet:"threshold"`
	AnswerLength  int       `parquet:"answer_length"`
	Windows       int       `parquet:"windows"`
	SpanCount     int       `parquet:"span_count"`
	MaxConfidence float64   `parquet:"max_confidence"`
	DurationMs    int64     `parquet:"duration_ms"`
	Cached        bool      `parquet:"cached"`
	Error         string    `parquet:"error"`
	Spans         string    `parquet:"spans"` // JSON string
}

// NewDetectionRecord fills the fields derivable from a finished detection.
// spans may be nil when the detection failed.
func NewDetectionRecord(ctx context.Context, classifier string, format types.OutputFormat, threshold float64, spans []types.Span) DetectionRecord {
	rec := DetectionRecord{
		ID:         uuid.New().String(),
		Timestamp:  time.Now().UTC(),
		Classifier: classifier,
		Format:     format.String(),
		Threshold:  threshold,
		SpanCount:  len(spans),
	}
	if v, ok := ctx.Value(types.ContextKeyRequestID).(string); ok {
		rec.RequestID = v
	}
	for _, s := range spans {
		if s.Confidence > rec.MaxConfidence {
			rec.MaxConfidence = s.Confidence
		}
	}
	if len(spans) > 0 {
		b, _ := json.Marshal(spans)
		rec.Spans = string(b)
	}
	return rec
}

// AuditSink appends detection records to Parquet files.
type AuditSink struct {
	writer *batchWriter[DetectionRecord]
}

// NewAuditSink creates an AuditSink writing batches of batchSize records
// under dir. batchSize <= 0 selects the default of 100.
func NewAuditSink(dir string, batchSize int) (*AuditSink, error) {
	w, err := newBatchWriter[DetectionRecord](dir, "detections", batchSize)
	if err != nil {
		return nil, err
	}
	return &AuditSink{writer: w}, nil
}

// RecordDetection buffers rec, writing a file when the batch is full.
func (s *AuditSink) RecordDetection(ctx context.Context, rec DetectionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return s.writer.add(rec)
}

// Pattern returns the glob matching the files written by the sink.
func (s *AuditSink) Pattern() string {
	return s.writer.pattern()
}

// Close flushes buffered records.
func (s *AuditSink) Close() error {
	return s.writer.flush()
}
