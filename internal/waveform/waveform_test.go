package waveform

import (
	"bytes"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/audio/audiotest"
)

func monoBuffer(samples ...float32) *audio.Buffer {
	return &audio.Buffer{SampleRate: audio.SampleRate, Channels: 1, Samples: samples}
}

func TestEnvelopeMinMax(t *testing.T) {
	buf := monoBuffer(-1, 1, 0.2, -0.5, 0.5, 0.1)
	env := Envelope(buf, 2)
	want := []Peak{{Min: -1, Max: 1}, {Min: -0.5, Max: 0.5}}
	if len(env) != len(want) {
		t.Fatalf("len = %d, want %d", len(env), len(want))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("peak %d = %+v, want %+v", i, env[i], want[i])
		}
	}
}

func TestEnvelopeAveragesChannels(t *testing.T) {
	buf := &audio.Buffer{SampleRate: audio.SampleRate, Channels: 2, Samples: []float32{1, 0, -1, 0}}
	env := Envelope(buf, 1)
	if env[0] != (Peak{Min: -0.5, Max: 0.5}) {
		t.Errorf("peak = %+v, want {-0.5 0.5}", env[0])
	}
}

func TestEnvelopeEdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		buf   *audio.Buffer
		width int
		want  int
	}{
		{"wider than buffer", monoBuffer(0.5, -0.5), 8, 8},
		{"empty buffer", monoBuffer(), 4, 4},
		{"zero width", monoBuffer(0.5), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(Envelope(tt.buf, tt.width)); got != tt.want {
				t.Errorf("len = %d, want %d", got, tt.want)
			}
		})
	}
}

func rgba(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
}

func TestPaint(t *testing.T) {
	env := make([]Peak, 10)
	for i := range env {
		env[i] = Peak{Min: -0.5, Max: 0.5}
	}
	img := Paint(env, 0.5, 100, DefaultStyle)

	if b := img.Bounds(); b.Dx() != 10 || b.Dy() != 100 {
		t.Fatalf("bounds = %v, want 10x100", b)
	}
	tests := []struct {
		name string
		x, y int
		want color.Color
	}{
		{"played body", 2, 50, DefaultStyle.Played},
		{"unplayed body", 7, 50, DefaultStyle.Unplayed},
		{"above the envelope", 2, 5, DefaultStyle.Background},
		{"below the envelope", 8, 95, DefaultStyle.Background},
		{"playhead", 5, 5, DefaultStyle.Playhead},
	}
	for _, tt := range tests {
		if got := rgba(img.At(tt.x, tt.y)); got != rgba(tt.want) {
			t.Errorf("%s: pixel (%d,%d) = %v, want %v", tt.name, tt.x, tt.y, got, rgba(tt.want))
		}
	}
}

func TestPaintPlayheadAtEnd(t *testing.T) {
	env := make([]Peak, 4)
	img := Paint(env, 1, 10, DefaultStyle)
	if got := rgba(img.At(3, 0)); got != rgba(DefaultStyle.Playhead) {
		t.Errorf("last column = %v, want playhead", got)
	}
}

func TestPaintSilenceShowsLine(t *testing.T) {
	env := make([]Peak, 4)
	img := Paint(env, 0, 10, DefaultStyle)
	if got := rgba(img.At(2, 5)); got == rgba(DefaultStyle.Background) {
		t.Error("silent track painted nothing at the centre line")
	}
}

func TestHitTest(t *testing.T) {
	tests := []struct {
		x, width, want float64
	}{
		{50, 200, 0.25},
		{0, 200, 0},
		{200, 200, 1},
		{-10, 200, 0},
		{500, 200, 1},
		{10, 0, 0},
	}
	for _, tt := range tests {
		if got := HitTest(tt.x, tt.width); got != tt.want {
			t.Errorf("HitTest(%v, %v) = %v, want %v", tt.x, tt.width, got, tt.want)
		}
	}
}

func TestRendererWaitsForSize(t *testing.T) {
	r := NewRenderer(DefaultStyle)
	if _, ok := r.Render(0); ok {
		t.Error("rendered without buffer or size")
	}

	r.SetBuffer(audiotest.Buffer("a", 100*time.Millisecond, 0.3))
	if _, ok := r.Render(0); ok {
		t.Error("rendered before a size was known")
	}

	r.Resize(64, 16)
	img, ok := r.Render(0.5)
	if !ok {
		t.Fatal("Render not ready after Resize")
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 16 {
		t.Errorf("bounds = %v, want 64x16", b)
	}
	if len(r.cache) != 1 {
		t.Errorf("cached envelopes = %d, want 1", len(r.cache))
	}

	r.Resize(0, 16)
	if _, ok := r.Render(0); ok {
		t.Error("rendered at zero width")
	}
}

func TestEncodePNG(t *testing.T) {
	env := Envelope(audiotest.Buffer("a", 50*time.Millisecond, 0.3), 32)
	var b bytes.Buffer
	if err := EncodePNG(&b, Paint(env, 0.25, 8, DefaultStyle)); err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	img, err := png.Decode(&b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 8 {
		t.Errorf("bounds = %v", img.Bounds())
	}
}
