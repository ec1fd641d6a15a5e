// Package types defines the core data types shared by the lettuce detection pipeline.
//
// This package contains the fundamental types used throughout lettuce:
//   - DetectionRequest: contexts, question and answer submitted for checking
//   - Token/Window: packed token sequences submitted to the classifier
//   - TokenScore: one reconciled probability per answer token
//   - Span: a hallucinated character range of the answer
//   - DetectionResult: the span or token projection returned to callers
//
// # Offsets
//
// All answer offsets are Unicode code point offsets into the original,
// unmodified answer string. Non-answer tokens carry NoOffset.
//
// # Errors
//
// The pipeline reports four error kinds, each a sentinel with a typed
// companion implementing Is:
//
//	if errors.Is(err, types.ErrInvalidParameter) {
//	    // threshold, stride or budget out of range
//	}
package types
