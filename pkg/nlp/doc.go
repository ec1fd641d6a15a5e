// Package nlp defines the token classifier boundary of the detection pipeline
// and the clients that implement it.
//
// A Classifier maps packed windows to one hallucination probability per
// token. The package provides remote implementations and wrappers:
//   - HTTPClassifier: a token classification model served over HTTP
//   - OpenAIClassifier: an LLM judge via OpenAI-compatible chat completions
//   - FuncClassifier and StaticClassifier: in-process classifiers for tests
//     and fixed scoring
//
// # Wrappers
//
//   - RetryClassifier: automatic retry with exponential backoff
//   - CircuitBreakerClassifier: circuit breaker that raises an alert when it opens
//
// Native model adapters live in the rustbert and gliner packages and register
// themselves with a Registry through their factories.
//
// # Usage
//
//	c, err := nlp.NewHTTPClassifier(nlp.HTTPConfig{Endpoint: url})
//	c = nlp.Wrap(c, retryCfg, breakerCfg, alerter, logger)
//	preds, err := c.Classify(ctx, windows)
//	rows, err := nlp.ValidatePredictions(c.Name(), windows, preds)
//
// # Error Handling
//
// Failures that are worth retrying are reported as RateLimitError or
// StatusError. Malformed predictions are reported as types.AdapterError and
// match types.ErrModelAdapter with errors.Is.
package nlp
