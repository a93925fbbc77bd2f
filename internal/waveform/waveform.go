// Package waveform draws min/max envelopes of decoded tracks with a playhead.
package waveform

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"sync"

	"golang.org/x/image/vector"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

// Peak is the sample range of one horizontal pixel.
type Peak struct {
	Min, Max float32
}

// Envelope splits the channel-averaged frames of buf into width buckets and
// returns the min and max of each.
func Envelope(buf *audio.Buffer, width int) []Peak {
	if width <= 0 {
		return nil
	}
	peaks := make([]Peak, width)
	mono := buf.Mono()
	n := len(mono)
	if n == 0 {
		return peaks
	}
	for i := range peaks {
		lo := i * n / width
		hi := (i + 1) * n / width
		if hi <= lo {
			hi = lo + 1
		}
		if hi > n {
			hi = n
		}
		if lo >= hi {
			continue
		}
		p := Peak{Min: mono[lo], Max: mono[lo]}
		for _, s := range mono[lo+1 : hi] {
			if s < p.Min {
				p.Min = s
			}
			if s > p.Max {
				p.Max = s
			}
		}
		peaks[i] = p
	}
	return peaks
}

// Style holds the colours of a painted waveform.
type Style struct {
	Background color.Color
	Played     color.Color
	Unplayed   color.Color
	Playhead   color.Color
}

// DefaultStyle is used by the HTTP API.
var DefaultStyle = Style{
	Background: color.RGBA{0x12, 0x12, 0x16, 0xff},
	Played:     color.RGBA{0x4f, 0xc3, 0xf7, 0xff},
	Unplayed:   color.RGBA{0x5a, 0x5f, 0x6b, 0xff},
	Playhead:   color.RGBA{0xff, 0xff, 0xff, 0xff},
}

// Paint draws env at the given height. playhead is a fraction of the width;
// columns left of it use the played colour.
func Paint(env []Peak, playhead float64, height int, style Style) *image.RGBA {
	width := len(env)
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == 0 || height <= 0 {
		return img
	}
	draw.Draw(img, img.Bounds(), image.NewUniform(style.Background), image.Point{}, draw.Src)

	mask := image.NewAlpha(img.Bounds())
	z := vector.NewRasterizer(width, height)
	mid := float32(height) / 2
	y := func(v float32) float32 {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		return mid - v*mid
	}

	// Top edge left to right, bottom edge back. Every column is at least
	// one pixel tall so silence still shows a line.
	z.MoveTo(0, y(env[0].Max))
	for i, p := range env {
		top := y(p.Max)
		if bottom := y(p.Min); bottom-top < 1 {
			top = (top+bottom)/2 - 0.5
		}
		z.LineTo(float32(i), top)
		z.LineTo(float32(i+1), top)
	}
	for i := width - 1; i >= 0; i-- {
		top, bottom := y(env[i].Max), y(env[i].Min)
		if bottom-top < 1 {
			bottom = (top+bottom)/2 + 0.5
		}
		z.LineTo(float32(i+1), bottom)
		z.LineTo(float32(i), bottom)
	}
	z.ClosePath()
	z.Draw(mask, mask.Bounds(), image.Opaque, image.Point{})

	px := playheadX(playhead, width)
	played := image.Rect(0, 0, px, height)
	unplayed := image.Rect(px, 0, width, height)
	draw.DrawMask(img, played, image.NewUniform(style.Played), image.Point{}, mask, played.Min, draw.Over)
	draw.DrawMask(img, unplayed, image.NewUniform(style.Unplayed), image.Point{}, mask, unplayed.Min, draw.Over)

	line := px
	if line >= width {
		line = width - 1
	}
	draw.Draw(img, image.Rect(line, 0, line+1, height), image.NewUniform(style.Playhead), image.Point{}, draw.Src)
	return img
}

func playheadX(playhead float64, width int) int {
	if math.IsNaN(playhead) || playhead < 0 {
		return 0
	}
	if playhead > 1 {
		playhead = 1
	}
	return int(playhead * float64(width))
}

// HitTest converts a click at x on a waveform of the given width to a
// fraction of the track, clamped to [0, 1]. A zero width yields 0.
func HitTest(x, width float64) float64 {
	if width <= 0 || math.IsNaN(x) {
		return 0
	}
	f := x / width
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode waveform png: %w", err)
	}
	return nil
}

// Renderer paints one track. Painting waits until both a buffer and a
// non-zero size are known; envelopes are cached per width.
type Renderer struct {
	style Style

	mu     sync.Mutex
	buf    *audio.Buffer
	width  int
	height int
	cache  map[int][]Peak
}

// NewRenderer creates a renderer with no buffer and no size.
func NewRenderer(style Style) *Renderer {
	return &Renderer{style: style, cache: make(map[int][]Peak)}
}

// SetBuffer replaces the track's audio and drops cached envelopes.
func (r *Renderer) SetBuffer(buf *audio.Buffer) {
	r.mu.Lock()
	r.buf = buf
	r.cache = make(map[int][]Peak)
	r.mu.Unlock()
}

// Resize records the drawing surface size.
func (r *Renderer) Resize(width, height int) {
	r.mu.Lock()
	r.width, r.height = width, height
	r.mu.Unlock()
}

// Render paints the waveform with the playhead at the given fraction.
// ok is false while the buffer or size is still unknown.
func (r *Renderer) Render(playhead float64) (img *image.RGBA, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buf == nil || r.width <= 0 || r.height <= 0 {
		return nil, false
	}
	env, cached := r.cache[r.width]
	if !cached {
		env = Envelope(r.buf, r.width)
		r.cache[r.width] = env
	}
	return Paint(env, playhead, r.height, r.style), true
}
