package audio

import "time"

const (
	SampleRate    = 48000
	Channels      = 2
	BitDepth      = 16
	FrameDuration = 20 * time.Millisecond
	FrameSize     = 960                  // samples per channel per 20ms frame
	FrameSamples  = FrameSize * Channels // total interleaved samples per frame
	FrameBytes    = FrameSamples * 2     // bytes per frame (int16 = 2 bytes)
)

// Buffer is decoded PCM audio: interleaved float32 samples in [-1, 1].
// A Buffer is never modified after decode; playback and rendering only read it.
type Buffer struct {
	ID         string
	SampleRate int
	Channels   int
	Samples    []float32
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns frames / sample rate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// FrameAt converts a playback offset to a frame index, clamped to the buffer.
func (b *Buffer) FrameAt(offset time.Duration) int {
	if offset <= 0 || b.SampleRate <= 0 {
		return 0
	}
	f := int(offset * time.Duration(b.SampleRate) / time.Second)
	if n := b.Frames(); f > n {
		return n
	}
	return f
}

// Mono returns the channel average of every frame.
func (b *Buffer) Mono() []float32 {
	n := b.Frames()
	out := make([]float32, n)
	if b.Channels == 1 {
		copy(out, b.Samples)
		return out
	}
	inv := 1 / float32(b.Channels)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < b.Channels; c++ {
			sum += b.Samples[i*b.Channels+c]
		}
		out[i] = sum * inv
	}
	return out
}
