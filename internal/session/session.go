// Package session holds the one open song: its buffers, mix, transport and
// waveforms.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/mix"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/store"
	"github.com/satindergrewal/stemdeck/internal/transport"
	"github.com/satindergrewal/stemdeck/internal/waveform"
)

var (
	// ErrUnknownTrack is returned for track ids not in the session.
	ErrUnknownTrack = mix.ErrUnknownTrack
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
)

// TickInterval is how often the session polls the transport for the end of
// the song.
const TickInterval = 50 * time.Millisecond

// Options are the collaborators of a session.
type Options struct {
	Decoder store.Decoder
	Opener  transport.Opener
	Clock   transport.Clock
	Style   waveform.Style
}

// Info identifies the song.
type Info struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	JobID  string `json:"job_id"`
	Source string `json:"source"`
}

// Session is one open song.
type Session struct {
	Info

	engine    separation.Engine
	main      []separation.Stem
	style     waveform.Style
	store     *store.Store
	mix       *mix.State
	transport *transport.Transport

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started sync.Once

	mu        sync.Mutex
	closed    bool
	waveforms map[string]*waveform.Renderer
}

// New creates a session for a finished split. Nothing is loaded until Start.
func New(info Info, job separation.Job, engine separation.Engine, opts Options) *Session {
	tracks := make([]mix.Track, len(job.Stems))
	for i, st := range job.Stems {
		tracks[i] = mix.NewTrack(st.ID, st.Label)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Info:      info,
		engine:    engine,
		main:      job.Stems,
		style:     opts.Style,
		store:     store.New(opts.Decoder),
		mix:       mix.NewState(tracks),
		ctx:       ctx,
		cancel:    cancel,
		waveforms: make(map[string]*waveform.Renderer),
	}
	for _, t := range tracks {
		s.waveforms[t.ID] = waveform.NewRenderer(opts.Style)
	}
	s.transport = transport.New(s, opts.Clock, opts.Opener)
	return s
}

// Groups implements transport.Library.
func (s *Session) Groups() []mix.Group { return s.mix.Snapshot() }

// Buffer implements transport.Library.
func (s *Session) Buffer(id string) (*audio.Buffer, bool) { return s.store.Get(id) }

// Duration implements transport.Library.
func (s *Session) Duration() time.Duration { return s.store.Duration() }

// Start loads the main stems in the background and starts the end-of-song
// poll. Tracks become playable as they finish decoding. Only the first call
// has any effect.
func (s *Session) Start() {
	s.started.Do(s.start)
}

func (s *Session) start() {
	items := make([]store.Item, len(s.main))
	for i, st := range s.main {
		items[i] = store.Item{ID: st.ID, Source: st.Source}
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.load(s.ctx, items)
	}()
	go func() {
		defer s.wg.Done()
		s.tickLoop()
	}()
}

// WaitLoaded blocks until the main stems have finished loading or ctx ends.
func (s *Session) WaitLoaded(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// pending counts main tracks neither loaded nor unavailable.
func (s *Session) pending() int {
	n := 0
	for _, g := range s.mix.Snapshot() {
		if !g.Loaded && !g.Unavailable {
			n++
		}
	}
	return n
}

func (s *Session) load(ctx context.Context, items []store.Item) {
	s.store.LoadAll(ctx, items, func(id string, buf *audio.Buffer, err error) {
		if err != nil {
			s.mix.SetUnavailable(id)
			return
		}
		s.mu.Lock()
		if r, ok := s.waveforms[id]; ok {
			r.SetBuffer(buf)
		}
		s.mu.Unlock()
		s.mix.SetLoaded(id)
	})
}

func (s *Session) tickLoop() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.transport.Tick()
		}
	}
}

// LoadDecomposition fetches the sub-stems of one decomposition kind and
// loads them. The sub-stems replace the parent in the mix once all of them
// are loaded; while playing that happens on the next restart.
func (s *Session) LoadDecomposition(ctx context.Context, kind string) error {
	if s.isClosed() {
		return ErrClosed
	}
	parent, err := separation.Parent(kind)
	if err != nil {
		return err
	}
	if _, ok := s.mix.Track(parent); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, parent)
	}

	stems, err := s.engine.Decompose(ctx, s.JobID, kind)
	if err != nil {
		return fmt.Errorf("decompose %s: %w", kind, err)
	}

	// Drop any earlier decomposition of the same parent.
	for _, g := range s.mix.Snapshot() {
		if g.ID != parent {
			continue
		}
		s.mu.Lock()
		for _, sub := range g.Subs {
			s.store.Remove(sub.ID)
			delete(s.waveforms, sub.ID)
		}
		s.mu.Unlock()
	}

	subs := make([]mix.Track, len(stems))
	items := make([]store.Item, len(stems))
	s.mu.Lock()
	for i, st := range stems {
		id := parent + "." + st.ID
		subs[i] = mix.NewTrack(id, st.Label)
		items[i] = store.Item{ID: id, Source: st.Source}
		s.waveforms[id] = waveform.NewRenderer(s.style)
	}
	s.mu.Unlock()
	if err := s.mix.SetSubs(parent, kind, subs); err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	s.load(lctx, items)

	log.Printf("Decomposition %s loaded for %s", kind, s.Title)
	if err := s.transport.TrackChanged(mix.ChangeLayout); err != nil && !errors.Is(err, transport.ErrClosed) {
		return err
	}
	return nil
}

// Play starts playback.
func (s *Session) Play() error { return s.wrap(s.transport.Play()) }

// Pause stops playback and keeps the position.
func (s *Session) Pause() error { return s.wrap(s.transport.Pause()) }

// Seek moves the playhead.
func (s *Session) Seek(pos time.Duration) error { return s.wrap(s.transport.Seek(pos)) }

// SeekFraction moves the playhead to a fraction of the song, as from a
// click on a waveform.
func (s *Session) SeekFraction(f float64) error {
	d := s.Duration()
	return s.Seek(time.Duration(waveform.HitTest(f, 1) * float64(d)))
}

// SetMuted mutes or unmutes a track.
func (s *Session) SetMuted(id string, muted bool) error {
	changed, err := s.mix.SetMuted(id, muted)
	return s.changed(changed, err, mix.ChangeMute)
}

// SetSolo solos or unsolos a track.
func (s *Session) SetSolo(id string, solo bool) error {
	changed, err := s.mix.SetSolo(id, solo)
	return s.changed(changed, err, mix.ChangeSolo)
}

// SetVolume sets a track's volume in [0,1].
func (s *Session) SetVolume(id string, v float32) error {
	changed, err := s.mix.SetVolume(id, v)
	return s.changed(changed, err, mix.ChangeVolume)
}

func (s *Session) changed(changed bool, err error, kind mix.Change) error {
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return s.wrap(s.transport.TrackChanged(kind))
}

func (s *Session) wrap(err error) error {
	if errors.Is(err, transport.ErrClosed) {
		return ErrClosed
	}
	return err
}

// SetObserver forwards every transport status change to fn.
func (s *Session) SetObserver(fn func(transport.Status)) {
	s.transport.SetObserver(fn)
}

// Status is the session as shown to clients.
type Status struct {
	Info
	Playing    bool        `json:"playing"`
	Position   float64     `json:"position"` // seconds
	Duration   float64     `json:"duration"` // seconds
	Generation uint64      `json:"generation"`
	Sources    int         `json:"sources"`
	Tracks     []mix.Group `json:"tracks"`
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	ts := s.transport.Status()
	return Status{
		Info:       s.Info,
		Playing:    ts.Playing,
		Position:   ts.Position.Seconds(),
		Duration:   ts.Duration.Seconds(),
		Generation: ts.Generation,
		Sources:    ts.Sources,
		Tracks:     s.mix.Snapshot(),
	}
}

// Waveform paints a track at the given size with the current playhead.
// ok is false while the buffer or size is not yet known.
func (s *Session) Waveform(id string, width, height int) (img *image.RGBA, ok bool, err error) {
	s.mu.Lock()
	r, found := s.waveforms[id]
	s.mu.Unlock()
	if !found {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	r.Resize(width, height)

	var playhead float64
	if ts := s.transport.Status(); ts.Duration > 0 {
		playhead = float64(ts.Position) / float64(ts.Duration)
	}
	img, ok = r.Render(playhead)
	return img, ok, nil
}

// Close stops every source, closes the device and releases every buffer.
// Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.transport.Close()
	s.wg.Wait()
	s.store.Release()

	s.mu.Lock()
	s.waveforms = make(map[string]*waveform.Renderer)
	s.mu.Unlock()
	log.Printf("Session %s closed", s.Title)
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
