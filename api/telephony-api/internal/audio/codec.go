// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Audio encodings understood by the gateway. Linear PCM is always signed
// 16-bit little-endian, mono.
const (
	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
)

const (
	// PipelineSampleRate is the rate every voice pipeline consumes.
	PipelineSampleRate = 16000
	// TelephonySampleRate is the rate every carrier leg speaks.
	TelephonySampleRate = 8000

	// BytesPerSample for linear16.
	BytesPerSample = 2

	// MulawSilence is the µ-law codeword for zero amplitude, used to pad
	// partial frames on flush.
	MulawSilence = 0xFF
)

const (
	mulawBias = 0x84
	mulawClip = 0x7FFF - mulawBias
)

// MulawDecodeSample expands one µ-law codeword to a linear16 sample.
func MulawDecodeSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	magnitude := ((int32(mantissa)<<3 + mulawBias) << exponent) - mulawBias
	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// MulawEncodeSample compands one linear16 sample to a µ-law codeword.
// Positive and negative zero collapse to the same codeword (0xFF).
func MulawEncodeSample(sample int16) byte {
	var sign byte
	s := int32(sample)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear expands a µ-law buffer to linear16. Output is twice the
// input length.
func MulawToLinear(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(MulawDecodeSample(b)))
	}
	return out
}

// LinearToMulaw compands a linear16 buffer to µ-law. Output is half the
// input length; a trailing odd byte is discarded.
func LinearToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// LowPassFilter applies a moving average of the given window over a linear16
// buffer. The window shrinks at the edges; window <= 1 is the identity.
// Only used before downsampling, to reduce aliasing.
func LowPassFilter(pcm []byte, window int) []byte {
	if window <= 1 || len(pcm) < 4 {
		return pcm
	}
	n := len(pcm) / 2
	samples := make([]int32, n)
	for i := 0; i < n; i++ {
		samples[i] = int32(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		lo := i - (window-1)/2
		hi := lo + window - 1
		if lo < 0 {
			lo = 0
		}
		if hi > n-1 {
			hi = n - 1
		}
		var sum int64
		for j := lo; j <= hi; j++ {
			sum += int64(samples[j])
		}
		avg := sum / int64(hi-lo+1)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// downsampleWindow is the anti-alias window policy: min(ceil(2*in/out), 11).
func downsampleWindow(inRate, outRate int) int {
	w := int(math.Ceil(2 * float64(inRate) / float64(outRate)))
	if w > 11 {
		w = 11
	}
	return w
}

// Resample converts a linear16 buffer between sample rates using linear
// interpolation. Equal rates return the input untouched. Downsampling is
// low-pass filtered first. Output holds floor(inSamples*outRate/inRate)
// samples.
func Resample(pcm []byte, inRate, outRate int) []byte {
	if inRate == outRate || len(pcm) < 2 || inRate <= 0 || outRate <= 0 {
		return pcm
	}
	if outRate < inRate {
		pcm = LowPassFilter(pcm, downsampleWindow(inRate, outRate))
	}

	inSamples := len(pcm) / 2
	outSamples := inSamples * outRate / inRate
	out := make([]byte, outSamples*2)

	ratio := float64(inRate) / float64(outRate)
	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		i0 := int(pos)
		if i0 > inSamples-1 {
			i0 = inSamples - 1
		}
		i1 := i0 + 1
		if i1 > inSamples-1 {
			i1 = inSamples - 1
		}
		frac := pos - float64(i0)
		s0 := float64(int16(binary.LittleEndian.Uint16(pcm[i0*2:])))
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[i1*2:])))
		v := math.Round(s0 + (s1-s0)*frac)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// TelephonyToPipeline converts carrier audio (µ-law or linear16 at inRate)
// to the pipeline format: linear16 at 16 kHz.
func TelephonyToPipeline(data []byte, encoding string, inRate int) ([]byte, error) {
	switch encoding {
	case EncodingMulaw:
		data = MulawToLinear(data)
	case EncodingLinear16:
	default:
		return nil, fmt.Errorf("unsupported telephony encoding %q", encoding)
	}
	return Resample(data, inRate, PipelineSampleRate), nil
}

// PipelineToTelephony converts pipeline audio (linear16 at inRate) to the
// carrier format: linear16 at 8 kHz, µ-law encoded when requested.
func PipelineToTelephony(pcm []byte, inRate int, outEncoding string) ([]byte, error) {
	out := Resample(pcm, inRate, TelephonySampleRate)
	switch outEncoding {
	case EncodingMulaw:
		return LinearToMulaw(out), nil
	case EncodingLinear16:
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported telephony encoding %q", outEncoding)
	}
}

// DurationMs returns the playback duration of a buffer in milliseconds.
func DurationMs(numBytes, sampleRate, bytesPerSample int) float64 {
	if sampleRate <= 0 || bytesPerSample <= 0 {
		return 0
	}
	return float64(numBytes) / float64(bytesPerSample) / float64(sampleRate) * 1000
}

// BytesPerMs returns the byte rate of mono linear16 audio at the given rate.
func BytesPerMs(sampleRate int) int {
	return sampleRate * BytesPerSample / 1000
}
