// Package audio decodes uploaded WAV artifacts into the fixed sample format
// the classifiers expect: mono float32 at 16 kHz, capped at 30 seconds.
package audio

import (
	"fmt"
	"io"
	"time"

	"github.com/go-audio/wav"
)

const (
	// TargetRate is the sample rate both classifiers were trained on.
	TargetRate = 16000
	// MaxDuration caps how much audio is fed to inference.
	MaxDuration = 30 * time.Second
)

// Clip is a normalized audio buffer ready for classification.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length.
func (c Clip) Duration() time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// DecodeWAV decodes a PCM WAV stream and normalizes it to TargetRate mono,
// truncated at MaxDuration.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return Clip{}, fmt.Errorf("not a valid WAV file")
	}

	buf, err := d.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decoding PCM data: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("missing PCM format information")
	}
	if len(buf.Data) == 0 {
		return Clip{}, fmt.Errorf("empty audio stream")
	}

	bitDepth := int(d.BitDepth)
	if bitDepth < 8 || bitDepth > 32 {
		return Clip{}, fmt.Errorf("unsupported bit depth %d", bitDepth)
	}

	mono := downmix(buf.Data, buf.Format.NumChannels, bitDepth)
	samples := resample(mono, buf.Format.SampleRate, TargetRate)

	if max := int(MaxDuration.Seconds()) * TargetRate; len(samples) > max {
		samples = samples[:max]
	}

	return Clip{Samples: samples, SampleRate: TargetRate}, nil
}

// downmix averages interleaved channels into mono and scales integer PCM
// samples into [-1, 1].
func downmix(data []int, channels, bitDepth int) []float32 {
	scale := float64(int64(1) << (bitDepth - 1))
	frames := len(data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(data[i*channels+c])
		}
		out[i] = float32(sum / float64(channels) / scale)
	}
	return out
}

// resample converts between sample rates with linear interpolation. Good
// enough for classification input; we are not reconstructing audio.
func resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	outLen := int(int64(len(in)) * int64(to) / int64(from))
	if outLen == 0 {
		outLen = 1
	}
	out := make([]float32, outLen)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
