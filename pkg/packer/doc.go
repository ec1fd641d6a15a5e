// Package packer builds the token windows submitted to the hallucination classifier.
//
// A request is packed as
//
//	[CLS] context ([CTX] context)* [SEP] question [SEP] answer [SEP]
//
// The order is a contract with the classifier and is never changed. When the
// packed sequence exceeds the token budget the answer is never truncated:
// the context is cut first, down to a configured minimum, and only then is the
// answer split into chunks that overlap by a fixed number of answer tokens.
//
// The answer is tokenized exactly once. Each answer token records its
// [start, end) code point range in the original answer, so every window that
// covers the same region reports identical offsets and windows can be merged
// by offset alone.
package packer
