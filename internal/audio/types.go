package audio

const (
	SampleRate = 48000
	Channels   = 1   // Mono
	FrameSize  = 960 // 20ms at 48kHz
)

// Decoder decodes compressed voice-gateway frames into PCM16 samples.
type Decoder interface {
	Decode(opus []byte) ([]int16, error)
}

// BytesToPCM reinterprets little-endian s16le bytes as PCM16 samples.
// A trailing odd byte is ignored.
func BytesToPCM(b []byte) []int16 {
	n := len(b) / 2
	pcm := make([]int16, n)
	for i := 0; i < n; i++ {
		pcm[i] = int16(uint16(b[i*2]) | uint16(b[i*2+1])<<8)
	}
	return pcm
}

// PCMToBytes serializes PCM16 samples as little-endian s16le bytes.
func PCMToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
