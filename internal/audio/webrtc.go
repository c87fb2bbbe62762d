package audio

import (
	"github.com/maxhawkins/go-webrtcvad"
)

// WebRTCChecker wraps the WebRTC VAD as a SpeechChecker so a gate can
// refuse to open on loud non-speech noise (keyboard, breath pops).
type WebRTCChecker struct {
	vad *webrtcvad.VAD
}

func NewWebRTCChecker(mode int) (*WebRTCChecker, error) {
	vad, err := webrtcvad.New()
	if err != nil {
		return nil, err
	}

	// Aggressiveness 0-3, 3 rejects the most
	if err := vad.SetMode(mode); err != nil {
		return nil, err
	}

	return &WebRTCChecker{vad: vad}, nil
}

func (c *WebRTCChecker) IsSpeech(pcm []int16, sampleRate int) bool {
	bytes := PCMToBytes(pcm)

	// WebRTC VAD accepts 10/20/30ms frames only; pass anything else through
	if len(bytes) < 320 {
		return true
	}

	isSpeech, err := c.vad.Process(sampleRate, bytes)
	if err != nil {
		return true
	}
	return isSpeech
}

// Close is a no-op; the underlying VAD is freed by a runtime finalizer.
func (c *WebRTCChecker) Close() error {
	return nil
}
