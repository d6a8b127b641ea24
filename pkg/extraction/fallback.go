package extraction

import "context"

// FallbackExtractor chains a primary extractor with a deterministic backup.
//
// A failed or errored primary extraction degrades to the fallback rather
// than failing the turn: the caller always receives a usable proposal set,
// just a lower-confidence one.
type FallbackExtractor struct {
	primary  Extractor
	fallback Extractor
}

// NewFallbackExtractor creates an extractor that tries primary first and
// degrades to fallback on any error or unsuccessful result.
func NewFallbackExtractor(primary, fallback Extractor) *FallbackExtractor {
	return &FallbackExtractor{primary: primary, fallback: fallback}
}

// Extract runs the primary extractor and falls back on failure. The primary
// error, if any, is preserved in the result's Error field for observability.
func (e *FallbackExtractor) Extract(ctx context.Context, text, userID string, contextEntities []string) (*Result, error) {
	result, err := e.primary.Extract(ctx, text, userID, contextEntities)
	if err == nil && result != nil && result.Success {
		return result, nil
	}

	// Context cancellation is the caller's deadline, not an extraction
	// failure; surface it so the dispatcher retries the whole event.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	fallbackResult, fbErr := e.fallback.Extract(ctx, text, userID, contextEntities)
	if fbErr != nil {
		return nil, fbErr
	}

	if err != nil {
		fallbackResult.Error = err.Error()
	} else if result != nil {
		fallbackResult.Error = result.Error
	}
	return fallbackResult, nil
}
