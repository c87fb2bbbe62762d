// Package translate turns finalized caption text into a target language,
// debounced so viewers see one coherent translation per utterance instead
// of drifting incremental fragments.
package translate

import (
	"context"
	"fmt"
	"strings"
)

// Request carries the language pair for one translation call.
type Request struct {
	Source string // optional, empty lets the provider detect
	Target string
}

// Translator translates text. An empty result with a nil error means the
// provider had nothing to say (same text, unsupported pair).
type Translator interface {
	Translate(ctx context.Context, text string, req Request) (string, error)
}

// NewTranslator builds the configured provider. Provider "none" (or empty)
// returns nil, which disables translation entirely.
func NewTranslator(provider, apiKey, model string) (Translator, error) {
	switch strings.ToLower(provider) {
	case "", "none":
		return nil, nil
	case "gemini":
		return NewGeminiTranslator(apiKey, model)
	case "deepl":
		return NewDeepLTranslator(apiKey), nil
	default:
		return nil, fmt.Errorf("unknown translation provider %q", provider)
	}
}
