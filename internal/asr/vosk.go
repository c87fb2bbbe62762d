package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
	"github.com/rs/zerolog/log"

	"github.com/user/discord-livecaption/internal/audio"
)

// VoskTranscriber is an offline batch backend. The recognizer is not safe
// for concurrent use, so calls are serialized.
type VoskTranscriber struct {
	model      *vosk.VoskModel
	recognizer *vosk.VoskRecognizer

	mu sync.Mutex
}

type voskResult struct {
	Text string `json:"text"`
}

func NewVoskTranscriber(modelPath string, sampleRate int) (*VoskTranscriber, error) {
	log.Info().Str("model_path", modelPath).Msg("Loading Vosk model")

	model, err := vosk.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load Vosk model from %s: %w", modelPath, err)
	}
	recognizer, err := vosk.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("failed to create Vosk recognizer: %w", err)
	}

	log.Info().Msg("Vosk model loaded")
	return &VoskTranscriber{model: model, recognizer: recognizer}, nil
}

func (v *VoskTranscriber) Transcribe(ctx context.Context, wavPath string, opts Options) (string, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return "", fmt.Errorf("read wav: %w", err)
	}
	samples, _, err := audio.DecodeWAV(data)
	if err != nil {
		return "", fmt.Errorf("decode wav: %w", err)
	}
	if len(samples) == 0 {
		return "", nil
	}

	pcmBytes := audio.PCMToBytes(samples)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.recognizer.AcceptWaveform(pcmBytes) == -1 {
		return "", fmt.Errorf("failed to process audio")
	}
	jsonResult := v.recognizer.FinalResult()
	v.recognizer.Reset()

	var result voskResult
	if err := json.Unmarshal([]byte(jsonResult), &result); err != nil {
		log.Warn().Err(err).Str("json", jsonResult).Msg("Failed to parse Vosk result")
		return "", nil
	}
	return result.Text, nil
}

func (v *VoskTranscriber) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.recognizer != nil {
		v.recognizer.Free()
		v.recognizer = nil
	}
	if v.model != nil {
		v.model.Free()
		v.model = nil
	}
	return nil
}
