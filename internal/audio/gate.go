package audio

import (
	"math"
	"time"
)

// silenceFloorDB is reported for all-zero frames instead of -Inf.
const silenceFloorDB = -96.0

// SpeechChecker is an optional second opinion consulted before a gate opens.
type SpeechChecker interface {
	IsSpeech(pcm []int16, sampleRate int) bool
}

// GateConfig holds the hysteresis parameters of a Gate.
type GateConfig struct {
	FrameSamples int           // samples per analysis frame (960 = 20ms at 48kHz)
	OpenDB       float64       // level at or above which a closed gate opens
	CloseDB      float64       // level below which silence accumulates
	Hangover     time.Duration // sustained sub-CloseDB time required to close
	Checker      SpeechChecker // optional, may be nil
}

// GateResult is the outcome of feeding audio through the gate.
type GateResult struct {
	Forwarded    []int16 // gated PCM, only frames observed while open
	SegmentEnded bool
}

// Gate segments a continuous PCM stream into utterances using an RMS level
// gate with hysteresis. Distinct open/close thresholds prevent flapping at
// the boundary; the hangover keeps brief in-sentence pauses from fragmenting
// a segment. The gate is not safe for concurrent use; each segment owns one.
type Gate struct {
	cfg     GateConfig
	frameMs time.Duration

	buf     []int16
	open    bool
	silence time.Duration
}

func NewGate(cfg GateConfig) *Gate {
	if cfg.FrameSamples <= 0 {
		cfg.FrameSamples = FrameSize
	}
	return &Gate{
		cfg:     cfg,
		frameMs: time.Duration(cfg.FrameSamples) * time.Second / SampleRate,
	}
}

// Open reports whether the gate is currently passing audio.
func (g *Gate) Open() bool { return g.open }

// Feed consumes PCM samples, classifies them frame by frame and returns the
// speech audio to forward downstream. SegmentEnded is set once the gate
// observed sustained silence and closed; the caller should close the current
// segment and keep feeding, the gate will reopen on the next loud frame.
func (g *Gate) Feed(pcm []int16) GateResult {
	var res GateResult

	g.buf = append(g.buf, pcm...)
	for len(g.buf) >= g.cfg.FrameSamples {
		frame := g.buf[:g.cfg.FrameSamples]
		g.buf = g.buf[g.cfg.FrameSamples:]

		db := FrameDB(frame)

		if !g.open {
			if db >= g.cfg.OpenDB && g.speechConfirmed(frame) {
				g.open = true
				g.silence = 0
			}
		} else {
			if db < g.cfg.CloseDB {
				g.silence += g.frameMs
				if g.silence >= g.cfg.Hangover {
					g.open = false
					g.silence = 0
					res.SegmentEnded = true
				}
			} else {
				g.silence = 0
			}
		}

		if g.open {
			res.Forwarded = append(res.Forwarded, frame...)
		}
	}

	return res
}

// CloseNow flushes the gate when its owning stream ends. An open gate still
// forwards any buffered partial frame and reports a synthetic segment end.
func (g *Gate) CloseNow() GateResult {
	var res GateResult
	if g.open {
		if len(g.buf) > 0 {
			res.Forwarded = append(res.Forwarded, g.buf...)
		}
		res.SegmentEnded = true
	}
	g.open = false
	g.silence = 0
	g.buf = nil
	return res
}

func (g *Gate) speechConfirmed(frame []int16) bool {
	if g.cfg.Checker == nil {
		return true
	}
	return g.cfg.Checker.IsSpeech(frame, SampleRate)
}

// FrameDB computes the RMS level of a PCM16 frame in dBFS.
// All-zero or empty frames yield silenceFloorDB.
func FrameDB(frame []int16) float64 {
	if len(frame) == 0 {
		return silenceFloorDB
	}

	var sumSq float64
	for _, s := range frame {
		sumSq += float64(s) * float64(s)
	}
	meanSq := sumSq / float64(len(frame))
	if meanSq <= 0 {
		return silenceFloorDB
	}

	norm := math.Sqrt(meanSq) / 32768
	db := 20 * math.Log10(norm)
	if math.IsInf(db, -1) || math.IsNaN(db) || db < silenceFloorDB {
		return silenceFloorDB
	}
	return db
}
