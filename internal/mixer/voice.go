package mixer

import (
	"math"
	"sync/atomic"

	"github.com/satindergrewal/stemdeck/internal/audio"
)

// gainValue is a float32 readable from the render loop without the output lock.
type gainValue struct{ bits atomic.Uint32 }

func (g *gainValue) Store(v float32) { g.bits.Store(math.Float32bits(v)) }
func (g *gainValue) Load() float32   { return math.Float32frombits(g.bits.Load()) }

// Voice is one buffer playing on the mixer.
type Voice struct {
	track   string
	buf     *audio.Buffer
	gain    gainValue
	onEnded func()
	out     *Output

	// Owned by the render loop, guarded by the mixer lock.
	pos    int
	played int
}

// Track returns the track id the voice plays.
func (v *Voice) Track() string { return v.track }

// SetGain changes the gain from the next rendered frame.
func (v *Voice) SetGain(gain float32) { v.gain.Store(gain) }

// Stop removes the voice. It never runs the end callback and is a no-op on a
// voice that already stopped or ended.
func (v *Voice) Stop() {
	if v.out.m.remove(v) {
		v.out.forget(v)
	}
}

// mixInto adds one frame of this voice to dst and reports whether the buffer
// is exhausted.
func (v *Voice) mixInto(dst []float32) bool {
	total := v.buf.Frames()
	ch := v.buf.Channels
	gain := v.gain.Load()

	for i := 0; i < audio.FrameSize; i++ {
		if v.pos >= total {
			return true
		}
		g := gain * audio.FadeGain(v.played, fadeFrames)
		l := v.buf.Samples[v.pos*ch]
		r := l
		if ch > 1 {
			r = v.buf.Samples[v.pos*ch+1]
		}
		dst[i*2] += l * g
		dst[i*2+1] += r * g
		v.pos++
		v.played++
	}
	return v.pos >= total
}
