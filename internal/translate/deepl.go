package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const deepLEndpoint = "https://api-free.deepl.com/v2/translate"

// DeepLTranslator calls the DeepL REST API with form-encoded requests.
type DeepLTranslator struct {
	apiKey string
	client *http.Client
}

type deepLResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
}

func NewDeepLTranslator(apiKey string) *DeepLTranslator {
	return &DeepLTranslator{
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (d *DeepLTranslator) Translate(ctx context.Context, text string, req Request) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("target_lang", strings.ToUpper(req.Target))
	if req.Source != "" {
		form.Set("source_lang", strings.ToUpper(req.Source))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", deepLEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+d.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("DeepL API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", string(body)).
			Msg("DeepL API error response")
		return "", fmt.Errorf("DeepL API error %d: %s", resp.StatusCode, string(body))
	}

	var result deepLResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Translations) == 0 {
		return "", nil
	}
	return strings.TrimSpace(result.Translations[0].Text), nil
}
