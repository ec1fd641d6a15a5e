package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/soundprediction/lettuce/pkg/types"
)

// LogRecord represents a single log entry for Parquet storage
type LogRecord struct {
	ID            string    `parquet:"id"`
	Timestamp     time.Time `parquet:"timestamp"`
	Level         string    `parquet:"level"`
	Message       string    `parquet:"message"`
	RequestID     string    `parquet:"request_id"`
	RequestSource string    `parquet:"request_source"`
	SourceFile    string    `parquet:"source_file"`
	LineNumber    int       `parquet:"line_number"`
	Attributes    string    `parquet:"attributes"` // JSON string
}

// ParquetHandler is a slog.Handler that writes error logs to Parquet files.
// Handlers derived with WithAttrs or WithGroup share one buffer.
type ParquetHandler struct {
	next   slog.Handler
	writer *batchWriter[LogRecord]
}

// NewParquetHandler creates a new ParquetHandler
func NewParquetHandler(next slog.Handler, outputDir string) (*ParquetHandler, error) {
	w, err := newBatchWriter[LogRecord](outputDir, "execution_errors", defaultBatchSize)
	if err != nil {
		return nil, err
	}
	return &ParquetHandler{next: next, writer: w}, nil
}

// Enabled implements slog.Handler
func (h *ParquetHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ParquetHandler) Handle(ctx context.Context, r slog.Record) error {
	// Always pass to next handler first
	if err := h.next.Handle(ctx, r); err != nil {
		return err
	}

	if r.Level < slog.LevelError {
		return nil
	}

	var requestID, requestSource string
	if v, ok := ctx.Value(types.ContextKeyRequestID).(string); ok {
		requestID = v
	}
	if v, ok := ctx.Value(types.ContextKeyRequestSource).(string); ok {
		requestSource = v
	}

	attrs := make(map[string]interface{})
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	attrsJSON, _ := json.Marshal(attrs)

	var sourceFile string
	var line int
	if r.PC != 0 {
		fs := runtime.CallersFrames([]uintptr{r.PC})
		f, _ := fs.Next()
		sourceFile, line = f.File, f.Line
	}

	err := h.writer.add(LogRecord{
		ID:            uuid.New().String(),
		Timestamp:     r.Time.UTC(),
		Level:         r.Level.String(),
		Message:       r.Message,
		RequestID:     requestID,
		RequestSource: requestSource,
		SourceFile:    sourceFile,
		LineNumber:    line,
		Attributes:    string(attrsJSON),
	})
	if err != nil {
		// Don't fail the log call
		fmt.Fprintf(os.Stderr, "telemetry: %v\n", err)
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *ParquetHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ParquetHandler{next: h.next.WithAttrs(attrs), writer: h.writer}
}

// WithGroup implements slog.Handler
func (h *ParquetHandler) WithGroup(name string) slog.Handler {
	return &ParquetHandler{next: h.next.WithGroup(name), writer: h.writer}
}

// Flush writes buffered records to disk.
func (h *ParquetHandler) Flush() error {
	return h.writer.flush()
}

// Close flushes buffered records.
func (h *ParquetHandler) Close() error {
	return h.writer.flush()
}
