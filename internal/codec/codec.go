// Package codec converts between float32 sample buffers and the wire's
// 16-bit little-endian linear PCM encoding, plus base64 transport framing.
package codec

import (
	"encoding/base64"
	"math"

	"github.com/GriffinCanCode/converse/internal/errors"
)

// PCM stream parameters fixed by the remote service protocol.
const (
	CaptureSampleRate  = 16000 // Hz, mono, microphone -> service
	PlaybackSampleRate = 24000 // Hz, mono, service -> speaker
	BytesPerSample     = 2
)

// EncodePCM16 quantizes float32 samples in [-1, 1] to signed 16-bit
// little-endian PCM. Out-of-range samples are clamped first; quantization
// rounds half away from zero. The scale matches DecodePCM16's divisor, so
// a round trip stays within half a quantization step everywhere except at
// +1.0, where the int16 clamp costs exactly one step. An empty input
// yields an empty frame, never an error.
func EncodePCM16(samples []float32) []byte {
	frame := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}

		q := int(math.Round(v * 32768))
		if q > math.MaxInt16 {
			q = math.MaxInt16
		}

		frame[i*2] = byte(q)
		frame[i*2+1] = byte(q >> 8)
	}
	return frame
}

// DecodePCM16 reconstructs float32 samples from 16-bit little-endian PCM.
// A frame whose byte length is not a multiple of two is tolerated: the
// trailing partial sample is truncated and a MalformedFrame error is
// returned alongside the decoded samples so the caller can log it.
func DecodePCM16(frame []byte) ([]float32, error) {
	var err error
	if len(frame)%BytesPerSample != 0 {
		err = errors.Newf(errors.CodeMalformedFrame,
			"pcm frame length %d is not sample-aligned, truncating", len(frame))
		frame = frame[:len(frame)-1]
	}

	samples := make([]float32, len(frame)/BytesPerSample)
	for i := range samples {
		v := int16(frame[i*2]) | int16(frame[i*2+1])<<8
		samples[i] = float32(v) / 32768.0
	}
	return samples, err
}

// ToTransportText encodes a binary frame for text transport.
func ToTransportText(frame []byte) string {
	return base64.StdEncoding.EncodeToString(frame)
}

// FromTransportText decodes a text-framed payload back to bytes.
// Round-trips exactly for all byte sequences, including empty input.
func FromTransportText(text string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(text)
}
