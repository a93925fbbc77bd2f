package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/audio/audiotest"
	"github.com/satindergrewal/stemdeck/internal/mix"
	"github.com/satindergrewal/stemdeck/internal/mixer"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/transport"
	"github.com/satindergrewal/stemdeck/internal/waveform"
)

type memSource []byte

func (m memSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m)), nil
}

type fakeEngine struct {
	subs map[string][]separation.Stem
}

func (e *fakeEngine) Split(ctx context.Context, path string) (separation.Job, error) {
	return separation.Job{}, errors.New("not used")
}

func (e *fakeEngine) Open(ctx context.Context, jobID string) (separation.Job, error) {
	return separation.Job{}, errors.New("not used")
}

func (e *fakeEngine) Decompose(ctx context.Context, jobID, kind string) ([]separation.Stem, error) {
	stems, ok := e.subs[kind]
	if !ok {
		return nil, separation.ErrNotAvailable
	}
	return stems, nil
}

func stem(t *testing.T, id string, d time.Duration) separation.Stem {
	t.Helper()
	return separation.Stem{ID: id, Label: separation.Label(id), Source: memSource(audiotest.WAV(t, audio.SampleRate, 2, d, 440))}
}

const songLength = 2 * time.Second

func newSession(t *testing.T, broken string) (*Session, *mixer.Mixer) {
	t.Helper()
	var stems []separation.Stem
	for _, id := range separation.MainStems {
		if id == broken {
			stems = append(stems, separation.Stem{ID: id, Label: separation.Label(id), Source: memSource("RIFF....WAVE")})
			continue
		}
		stems = append(stems, stem(t, id, songLength))
	}
	eng := &fakeEngine{subs: map[string][]separation.Stem{
		separation.KindDrums: {
			stem(t, "kick", songLength),
			stem(t, "snare", songLength),
		},
	}}
	m := mixer.New(0)
	s := New(Info{ID: "song-1", Title: "Test Song", JobID: "job-1"},
		separation.Job{ID: "job-1", Stems: stems}, eng,
		Options{Decoder: audio.NewDecoder(""), Opener: m.Device, Style: waveform.DefaultStyle})
	s.Start()
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
	return s, m
}

func TestSessionLoadsStems(t *testing.T) {
	s, _ := newSession(t, "")
	st := s.Status()
	if len(st.Tracks) != 4 {
		t.Fatalf("tracks = %d, want 4", len(st.Tracks))
	}
	for _, g := range st.Tracks {
		if !g.Loaded {
			t.Errorf("track %s not loaded", g.ID)
		}
	}
	if st.Duration < 1.99 || st.Duration > 2.01 {
		t.Errorf("duration = %v, want ~2", st.Duration)
	}
	if st.Title != "Test Song" {
		t.Errorf("title = %q", st.Title)
	}
}

func TestSessionUnavailableStem(t *testing.T) {
	s, m := newSession(t, "bass")
	for _, g := range s.Status().Tracks {
		if g.ID == "bass" && !g.Unavailable {
			t.Error("bass should be unavailable")
		}
		if g.ID != "bass" && !g.Loaded {
			t.Errorf("%s should be loaded", g.ID)
		}
	}
	if err := s.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if n := m.ActiveVoices(); n != 3 {
		t.Errorf("active voices = %d, want 3", n)
	}
}

func TestSessionMuteRestarts(t *testing.T) {
	s, m := newSession(t, "")
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	gen := s.Status().Generation

	if err := s.SetMuted("vocals", true); err != nil {
		t.Fatal(err)
	}
	st := s.Status()
	if st.Generation != gen+1 {
		t.Errorf("generation = %d, want %d", st.Generation, gen+1)
	}
	if n := m.ActiveVoices(); n != 3 {
		t.Errorf("active voices = %d, want 3", n)
	}

	// Same value again is not a change.
	if err := s.SetMuted("vocals", true); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().Generation; got != gen+1 {
		t.Errorf("generation after no-op = %d", got)
	}

	if err := s.SetMuted("nope", true); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("err = %v, want ErrUnknownTrack", err)
	}
}

func TestSessionVolumeIsLive(t *testing.T) {
	s, _ := newSession(t, "")
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	gen := s.Status().Generation
	if err := s.SetVolume("drums", 0.5); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().Generation; got != gen {
		t.Errorf("volume change restarted playback (generation %d -> %d)", gen, got)
	}
}

func TestSessionDecomposition(t *testing.T) {
	s, m := newSession(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.LoadDecomposition(ctx, separation.KindDrums); err != nil {
		t.Fatalf("LoadDecomposition: %v", err)
	}
	var drums mix.Group
	for _, g := range s.Status().Tracks {
		if g.ID == "drums" {
			drums = g
		}
	}
	if len(drums.Subs) != 2 || drums.Subs[0].ID != "drums.kick" || !drums.Subs[1].Loaded {
		t.Fatalf("drums subs = %+v", drums.Subs)
	}

	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	// vocals, bass, other plus kick and snare in place of drums.
	if n := m.ActiveVoices(); n != 5 {
		t.Errorf("active voices = %d, want 5", n)
	}

	if err := s.LoadDecomposition(ctx, separation.KindVocals); !errors.Is(err, separation.ErrNotAvailable) {
		t.Errorf("vocals err = %v, want ErrNotAvailable", err)
	}
	if err := s.LoadDecomposition(ctx, "strings"); err == nil {
		t.Error("unknown kind accepted")
	}
}

func TestSessionSeekFraction(t *testing.T) {
	s, _ := newSession(t, "")
	if err := s.SeekFraction(0.5); err != nil {
		t.Fatal(err)
	}
	if got := s.Status().Position; got < 0.99 || got > 1.01 {
		t.Errorf("position = %v, want ~1", got)
	}
	if err := s.SeekFraction(3); err != nil {
		t.Fatal(err)
	}
	if st := s.Status(); st.Position != st.Duration {
		t.Errorf("position = %v, want clamped to %v", st.Position, st.Duration)
	}
}

func TestSessionWaveform(t *testing.T) {
	s, _ := newSession(t, "")
	img, ok, err := s.Waveform("drums", 120, 40)
	if err != nil || !ok {
		t.Fatalf("Waveform: ok=%v err=%v", ok, err)
	}
	if b := img.Bounds(); b.Dx() != 120 || b.Dy() != 40 {
		t.Errorf("bounds = %v", b)
	}
	if _, _, err := s.Waveform("nope", 120, 40); !errors.Is(err, ErrUnknownTrack) {
		t.Errorf("err = %v, want ErrUnknownTrack", err)
	}
}

func TestSessionObserver(t *testing.T) {
	s, _ := newSession(t, "")
	got := make(chan transport.Status, 4)
	s.SetObserver(func(st transport.Status) { got <- st })
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	select {
	case st := <-got:
		if !st.Playing {
			t.Error("observer saw stopped status after Play")
		}
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}
}

func TestSessionClose(t *testing.T) {
	s, m := newSession(t, "")
	if err := s.Play(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if n := m.ActiveVoices(); n != 0 {
		t.Errorf("active voices after close = %d", n)
	}
	if _, ok := s.Buffer("drums"); ok {
		t.Error("buffers not released")
	}
	if err := s.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after close = %v, want ErrClosed", err)
	}
	if err := s.LoadDecomposition(context.Background(), separation.KindDrums); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadDecomposition after close = %v, want ErrClosed", err)
	}
}

func TestManagerReplace(t *testing.T) {
	var seen []string
	mgr := NewManager(func(s *Session) { seen = append(seen, s.ID) })
	if _, err := mgr.Current(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Current on empty manager = %v", err)
	}

	first, m := newSession(t, "")
	mgr.Replace(first)
	if err := first.Play(); err != nil {
		t.Fatal(err)
	}

	second := New(Info{ID: "song-2"}, separation.Job{}, &fakeEngine{}, Options{Opener: m.Device})
	mgr.Replace(second)
	if err := first.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("previous session still open: %v", err)
	}
	if m.ActiveVoices() != 0 {
		t.Error("previous session voices still running")
	}
	cur, err := mgr.Current()
	if err != nil || cur != second {
		t.Fatalf("Current = %v, %v", cur, err)
	}
	if len(seen) != 2 || seen[1] != "song-2" {
		t.Errorf("observed = %v", seen)
	}
	if err := mgr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Current(); !errors.Is(err, ErrNoSession) {
		t.Errorf("Current after Close = %v", err)
	}
}
