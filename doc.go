// Package lettuce detects hallucinated spans in generated answers.
//
// An answer is compared against the source contexts and question it was
// generated from by a token classification model. The package packs the
// inputs into bounded token windows, scores every answer token, merges the
// scores of overlapping windows and turns the flagged tokens into character
// spans of the original answer.
//
// # Basic Usage
//
// Create a classifier and a tokenizer, then a Detector:
//
//	classifier, err := nlp.NewRegistry().New(cfg.Model, logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	detector, err := lettuce.NewDetector(classifier, tokenizer.NewSubword(nil), lettuce.DefaultConfig(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer detector.Close()
//
// # Detecting Spans
//
//	spans, err := detector.DetectSpans(ctx,
//		[]string{"France is a country in Europe. The capital of France is Paris. The population of France is 67 million."},
//		"What is the capital of France? What is the population of France?",
//		"The capital of France is Paris. The population of France is 69 million.",
//	)
//	for _, s := range spans {
//		fmt.Printf("%q [%d,%d) %.2f\n", s.Text, s.Start, s.End, s.Confidence)
//	}
//
// Offsets are Unicode code point offsets into the answer.
//
// # Per-request Options
//
// Predict accepts PredictOptions to override the threshold, the window
// overlap and the window budget for one call:
//
//	threshold := 0.7
//	res, err := detector.Predict(ctx, req, types.FormatTokens, &lettuce.PredictOptions{Threshold: &threshold})
//
// # Errors
//
// Every failure aborts the request. Errors match one of types.ErrInvalidRequest,
// types.ErrInvalidParameter, types.ErrModelAdapter or types.ErrCanceled with
// errors.Is.
package lettuce
