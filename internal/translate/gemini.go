package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiTranslator struct {
	client *genai.Client
	model  string
}

func NewGeminiTranslator(apiKey, model string) (*GeminiTranslator, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiTranslator{client: client, model: model}, nil
}

func (g *GeminiTranslator) Translate(ctx context.Context, text string, req Request) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	prompt := g.buildPrompt(text, req)
	genModel := g.client.GenerativeModel(g.model)
	resp, err := genModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to translate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", nil
	}

	var out strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out.WriteString(string(t))
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func (g *GeminiTranslator) buildPrompt(text string, req Request) string {
	source := req.Source
	if source == "" {
		source = "the source language"
	}
	return fmt.Sprintf(`Translate the following text from %s into %s. It is a fragment of live speech, so keep the register conversational. Output ONLY the translation, with no quotes, notes, or explanations.

%s`, source, req.Target, text)
}

func (g *GeminiTranslator) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
