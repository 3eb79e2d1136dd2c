package models

// Encoding identifies the sample format of an AudioFrame.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingMulaw Encoding = "mulaw"
	EncodingAlaw  Encoding = "alaw"
)

// DefaultSampleRate is assumed when a frame does not carry one.
const DefaultSampleRate = 8000

// Valid reports whether e is a supported encoding.
func (e Encoding) Valid() bool {
	switch e {
	case EncodingPCM16, EncodingMulaw, EncodingAlaw:
		return true
	default:
		return false
	}
}

// BytesPerSample returns the width of one mono sample.
func (e Encoding) BytesPerSample() int {
	if e == EncodingPCM16 || e == "" {
		return 2
	}
	return 1
}

// AudioFrame is the message published on the audio channel, roughly 20 ms of
// audio per frame. Audio is base64 on the wire.
type AudioFrame struct {
	Meta
	SampleRate int      `json:"sample_rate"`
	Encoding   Encoding `json:"encoding"`
	Audio      []byte   `json:"audio"`
	EndOfCall  bool     `json:"end_of_call,omitempty"`
}

// DurationMs returns the playback duration of the frame's audio.
func (f AudioFrame) DurationMs() int64 {
	return AudioDurationMs(len(f.Audio), f.SampleRate, f.Encoding)
}

// AudioDurationMs converts a byte count to milliseconds of mono audio.
func AudioDurationMs(n, sampleRate int, enc Encoding) int64 {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	bytesPerSec := int64(sampleRate * enc.BytesPerSample())
	return int64(n) * 1000 / bytesPerSec
}
