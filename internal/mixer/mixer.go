// Package mixer is the software playback device: it sums every running voice
// into 20ms PCM frames at real-time rate.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/transport"
)

var (
	// ErrVoiceLimit is returned by Start when every voice slot is taken.
	ErrVoiceLimit = errors.New("voice limit reached")
	// ErrOutputClosed is returned by Start on a closed output.
	ErrOutputClosed = errors.New("output closed")
)

// FadeIn is the ramp applied to every started voice.
const FadeIn = 5 * time.Millisecond

var fadeFrames = int(FadeIn * audio.SampleRate / time.Second)

// Mixer renders voices into frames. Run paces rendering off a ticker.
type Mixer struct {
	maxVoices int
	frameCh   chan []int16

	mu     sync.Mutex
	voices map[*Voice]struct{}
}

// New creates a mixer allowing at most maxVoices concurrent voices (0 means no limit).
func New(maxVoices int) *Mixer {
	return &Mixer{
		maxVoices: maxVoices,
		frameCh:   make(chan []int16, 100),
		voices:    make(map[*Voice]struct{}),
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (m *Mixer) Frames() <-chan []int16 {
	return m.frameCh
}

// ActiveVoices returns the number of running voices.
func (m *Mixer) ActiveVoices() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Open returns a new output on this mixer. Each session owns one output and
// closes it on teardown.
func (m *Mixer) Open() *Output {
	return &Output{m: m, voices: make(map[*Voice]struct{})}
}

// Device adapts Open to transport.Opener.
func (m *Mixer) Device() (transport.Device, error) {
	return m.Open(), nil
}

// Run renders frames until ctx is cancelled. Silence is rendered while no
// voice is running so listeners keep a steady clock.
func (m *Mixer) Run(ctx context.Context) {
	defer close(m.frameCh)

	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame := m.Render()
		select {
		case m.frameCh <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Render mixes the next frame and advances every voice. Voices that run off
// the end of their buffer are removed and their end callbacks run after the
// mixer lock is released.
func (m *Mixer) Render() []int16 {
	mixed := make([]float32, audio.FrameSamples)
	var ended []*Voice

	m.mu.Lock()
	for v := range m.voices {
		if v.mixInto(mixed) {
			delete(m.voices, v)
			ended = append(ended, v)
		}
	}
	m.mu.Unlock()

	for _, v := range ended {
		v.out.forget(v)
		if v.onEnded != nil {
			v.onEnded()
		}
	}

	out := make([]int16, audio.FrameSamples)
	for i, s := range mixed {
		out[i] = audio.ToInt16(s)
	}
	return out
}

func (m *Mixer) add(v *Voice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxVoices > 0 && len(m.voices) >= m.maxVoices {
		return ErrVoiceLimit
	}
	m.voices[v] = struct{}{}
	return nil
}

// remove reports whether v was still running.
func (m *Mixer) remove(v *Voice) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.voices[v]; !ok {
		return false
	}
	delete(m.voices, v)
	return true
}

// Output is one session's view of the mixer. It implements transport.Device.
type Output struct {
	m *Mixer

	mu     sync.Mutex
	closed bool
	voices map[*Voice]struct{}
}

// Start begins playing buf from offset. The voice fades in over FadeIn.
func (o *Output) Start(track string, buf *audio.Buffer, offset time.Duration, gain float32, onEnded func()) (transport.Source, error) {
	if buf == nil || buf.Channels <= 0 {
		return nil, fmt.Errorf("start %s: no buffer", track)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrOutputClosed
	}

	v := &Voice{
		track:   track,
		buf:     buf,
		pos:     buf.FrameAt(offset),
		onEnded: onEnded,
		out:     o,
	}
	v.gain.Store(gain)
	if err := o.m.add(v); err != nil {
		return nil, fmt.Errorf("start %s: %w", track, err)
	}
	o.voices[v] = struct{}{}
	return v, nil
}

// Close stops every voice started through this output.
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	voices := o.voices
	o.voices = nil
	o.mu.Unlock()

	n := 0
	for v := range voices {
		if o.m.remove(v) {
			n++
		}
	}
	if n > 0 {
		log.Printf("Output closed, %d voices stopped", n)
	}
	return nil
}

func (o *Output) forget(v *Voice) {
	o.mu.Lock()
	delete(o.voices, v)
	o.mu.Unlock()
}
