// Package audiotest builds PCM fixtures for tests in other packages.
package audiotest

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

// WAV encodes a 16-bit sine tone as WAV bytes.
func WAV(tb testing.TB, rate, channels int, d time.Duration, freq float64) []byte {
	tb.Helper()
	frames := int(d * time.Duration(rate) / time.Second)
	data := make([]int, frames*channels)
	for i := 0; i < frames; i++ {
		v := int(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			data[i*channels+c] = v
		}
	}

	path := filepath.Join(tb.TempDir(), "fixture.wav")
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tb.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		tb.Fatalf("close wav encoder: %v", err)
	}
	f.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read wav: %v", err)
	}
	return b
}

// Buffer returns a stereo buffer of constant value lasting d.
func Buffer(id string, d time.Duration, value float32) *audio.Buffer {
	frames := int(d * audio.SampleRate / time.Second)
	s := make([]float32, frames*audio.Channels)
	for i := range s {
		s[i] = value
	}
	return &audio.Buffer{ID: id, SampleRate: audio.SampleRate, Channels: audio.Channels, Samples: s}
}
