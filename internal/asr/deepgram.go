package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const deepgramListenURL = "https://api.deepgram.com/v1/listen"

// DeepgramTranscriber is a batch backend posting WAV audio to the Deepgram
// listen API.
type DeepgramTranscriber struct {
	apiKey string
	model  string
	client *http.Client
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func NewDeepgramTranscriber(apiKey, model string) *DeepgramTranscriber {
	return &DeepgramTranscriber{
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (d *DeepgramTranscriber) Transcribe(ctx context.Context, wavPath string, opts Options) (string, error) {
	wavData, err := os.ReadFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("read wav: %w", err)
	}
	if len(wavData) == 0 {
		return "", nil
	}

	params := url.Values{}
	if d.model != "" {
		params.Set("model", d.model)
	}
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	fullURL := deepgramListenURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", fullURL, bytes.NewReader(wavData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+d.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("Deepgram API request failed: %w", err)
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
			Msg("Deepgram API error response")
		return "", fmt.Errorf("Deepgram API error %d: %s", resp.StatusCode, string(body))
	}

	var result deepgramResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Results.Channels) == 0 {
		return "", nil
	}
	for _, alt := range result.Results.Channels[0].Alternatives {
		if alt.Transcript != "" {
			log.Debug().
				Float64("confidence", alt.Confidence).
				Int("audio_size_bytes", len(wavData)).
				Msg("Deepgram transcription completed")
			return alt.Transcript, nil
		}
	}
	return "", nil
}
