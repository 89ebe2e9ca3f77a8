package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	// ClientSampleRate is the rate of client microphone audio and of audio sent back to the client.
	ClientSampleRate = 24000
	// VADSampleRate is the rate the speech detectors classify at.
	VADSampleRate = 16000
	// FrameDurationMs is the length of one classified frame.
	FrameDurationMs = 20
)

// ErrInvalidFrameLength is returned for PCM16 buffers with an odd byte count.
var ErrInvalidFrameLength = errors.New("audio: frame length must be a multiple of 2 bytes")

// ErrInvalidSampleRate is returned for a zero or negative sample rate.
var ErrInvalidSampleRate = errors.New("audio: sample rate must be positive")

// FrameBytes returns the size in bytes of one mono PCM16 frame.
func FrameBytes(sampleRate, durationMs int) int {
	return sampleRate * durationMs / 1000 * 2
}

// DecodePCM16 converts little-endian PCM16 bytes into samples.
func DecodePCM16(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrInvalidFrameLength
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// EncodePCM16 converts samples into little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
