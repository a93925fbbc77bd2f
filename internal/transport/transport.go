// Package transport keeps every track of a session in sample-accurate sync.
//
// Any change to what should be heard stops every running source and starts
// a fresh set at the same position. Each restart gets a new generation, and
// completion signals from older generations are ignored.
package transport

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/mix"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("transport closed")

// Clock reads wall time. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the real wall clock.
var SystemClock Clock = systemClock{}

// Source is one running track on the device.
type Source interface {
	SetGain(gain float32)
	// Stop silences the source. Stopping a stopped or ended source is a no-op,
	// and Stop never triggers the source's end callback.
	Stop()
}

// Device plays buffers. onEnded is called once, asynchronously, when the
// source runs off the end of its buffer. It is never called from inside
// Start or Stop.
type Device interface {
	Start(track string, buf *audio.Buffer, offset time.Duration, gain float32, onEnded func()) (Source, error)
	Close() error
}

// Opener creates the device on first play.
type Opener func() (Device, error)

// Library is the session content the transport plays.
type Library interface {
	Groups() []mix.Group
	Buffer(id string) (*audio.Buffer, bool)
	Duration() time.Duration
}

// Status is a snapshot of the transport.
type Status struct {
	Playing    bool
	Position   time.Duration
	Duration   time.Duration
	Generation uint64
	Sources    int
}

type voice struct {
	src   Source
	ended bool
}

// Transport is the play/pause/seek state machine for one session.
type Transport struct {
	lib   Library
	clock Clock
	open  Opener

	mu         sync.Mutex
	dev        Device
	closed     bool
	playing    bool
	position   time.Duration // stopped position, or start position while playing
	startedAt  time.Time
	generation uint64
	voices     map[string]*voice
	gains      map[string]float32
	started    int
	ended      int
	observer   func(Status)
}

// New creates a stopped transport at position 0. The device is opened on
// the first Play.
func New(lib Library, clock Clock, open Opener) *Transport {
	if clock == nil {
		clock = SystemClock
	}
	return &Transport{lib: lib, clock: clock, open: open}
}

// SetObserver registers fn to receive every status change. fn is called
// without the transport lock held.
func (t *Transport) SetObserver(fn func(Status)) {
	t.mu.Lock()
	t.observer = fn
	t.mu.Unlock()
}

// Play starts every audible track at the current position. Play while
// playing is a no-op.
func (t *Transport) Play() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.playing {
		t.mu.Unlock()
		return nil
	}
	err := t.startLocked(t.position)
	t.commit()
	return err
}

// Pause stops every source and remembers the position.
func (t *Transport) Pause() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.playing {
		t.mu.Unlock()
		return nil
	}
	t.stopLocked(t.positionLocked())
	t.commit()
	return nil
}

// Seek moves the playhead, clamped to [0, duration]. While playing every
// source restarts at the new position.
func (t *Transport) Seek(pos time.Duration) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	pos = clamp(pos, t.lib.Duration())
	var err error
	if t.playing {
		err = t.startLocked(pos)
	} else {
		t.position = pos
	}
	t.commit()
	return err
}

// TrackChanged tells the transport that the mix changed. Mute and solo
// changes restart playback at the current position. Volume changes are
// applied to the running sources unless they change which tracks are
// audible, in which case playback restarts. Layout changes take effect on
// the next restart.
func (t *Transport) TrackChanged(kind mix.Change) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.playing || kind == mix.ChangeLayout {
		t.mu.Unlock()
		return nil
	}

	if kind == mix.ChangeVolume {
		gains := mix.Resolve(t.lib.Groups())
		if sameKeys(mix.Audible(t.gains), mix.Audible(gains)) {
			for id, v := range t.voices {
				v.src.SetGain(gains[id])
			}
			t.gains = gains
			t.mu.Unlock()
			return nil
		}
	}

	err := t.startLocked(t.positionLocked())
	t.commit()
	return err
}

// Tick is polled by the render loop. It stops playback once the clock has
// run past the end, which also covers generations with no sources.
func (t *Transport) Tick() Status {
	t.mu.Lock()
	if t.playing && t.startedAt.Add(t.lib.Duration()-t.position).Compare(t.clock.Now()) <= 0 {
		t.stopLocked(0)
		return t.commit()
	}
	st := t.statusLocked()
	t.mu.Unlock()
	return st
}

// Status returns the current state.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

// Position returns the current playhead.
func (t *Transport) Position() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.positionLocked()
}

// Close stops every source and closes the device. Close is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.stopSourcesLocked()
	t.playing = false
	t.position = 0
	t.closed = true
	dev := t.dev
	t.dev = nil
	t.mu.Unlock()

	if dev != nil {
		if err := dev.Close(); err != nil {
			return fmt.Errorf("close device: %w", err)
		}
	}
	return nil
}

// startLocked tears down the current generation and starts a new one at pos.
func (t *Transport) startLocked(pos time.Duration) error {
	t.stopSourcesLocked()

	if t.dev == nil {
		dev, err := t.open()
		if err != nil {
			t.playing = false
			t.position = pos
			return fmt.Errorf("open device: %w", err)
		}
		t.dev = dev
	}

	t.generation++
	gen := t.generation
	t.gains = mix.Resolve(t.lib.Groups())
	t.voices = make(map[string]*voice)
	t.started, t.ended = 0, 0

	ids := make([]string, 0, len(t.gains))
	for id := range t.gains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		gain := t.gains[id]
		if gain <= 0 {
			continue
		}
		buf, ok := t.lib.Buffer(id)
		if !ok || pos >= buf.Duration() {
			continue
		}
		src, err := t.dev.Start(id, buf, pos, gain, t.endedFunc(gen, id))
		if err != nil {
			log.Printf("Track %s not started: %v", id, err)
			continue
		}
		t.voices[id] = &voice{src: src}
		t.started++
	}

	t.playing = true
	t.position = pos
	t.startedAt = t.clock.Now()
	return nil
}

func (t *Transport) endedFunc(gen uint64, id string) func() {
	return func() { t.sourceEnded(gen, id) }
}

// sourceEnded counts a completion. Signals from an older generation, or
// while stopped, change nothing.
func (t *Transport) sourceEnded(gen uint64, id string) {
	t.mu.Lock()
	if t.closed || !t.playing || gen != t.generation {
		t.mu.Unlock()
		return
	}
	v, ok := t.voices[id]
	if !ok || v.ended {
		t.mu.Unlock()
		return
	}
	v.ended = true
	t.ended++
	if t.ended < t.started {
		t.mu.Unlock()
		return
	}
	t.stopLocked(0)
	t.commit()
}

func (t *Transport) stopLocked(pos time.Duration) {
	t.stopSourcesLocked()
	t.playing = false
	t.position = pos
}

func (t *Transport) stopSourcesLocked() {
	for _, v := range t.voices {
		v.src.Stop()
	}
	t.voices = nil
	t.started, t.ended = 0, 0
}

func (t *Transport) positionLocked() time.Duration {
	if !t.playing {
		return t.position
	}
	return clamp(t.position+t.clock.Now().Sub(t.startedAt), t.lib.Duration())
}

func (t *Transport) statusLocked() Status {
	return Status{
		Playing:    t.playing,
		Position:   t.positionLocked(),
		Duration:   t.lib.Duration(),
		Generation: t.generation,
		Sources:    len(t.voices),
	}
}

// commit snapshots the status, releases the lock and notifies the observer.
func (t *Transport) commit() Status {
	st := t.statusLocked()
	fn := t.observer
	t.mu.Unlock()
	if fn != nil {
		fn(st)
	}
	return st
}

func clamp(pos, duration time.Duration) time.Duration {
	if pos < 0 {
		return 0
	}
	if pos > duration {
		return duration
	}
	return pos
}

func sameKeys(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
