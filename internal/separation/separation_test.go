package separation

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestParent(t *testing.T) {
	tests := map[string]string{
		KindDrums:    "drums",
		KindVocals:   "vocals",
		KindMelodies: "other",
	}
	for kind, want := range tests {
		if got, err := Parent(kind); err != nil || got != want {
			t.Errorf("Parent(%s) = %q, %v; want %q", kind, got, err, want)
		}
	}
	if _, err := Parent("strings"); err == nil {
		t.Error("Parent(strings) returned no error")
	}
}

func TestLabel(t *testing.T) {
	if Label("other") != "Melody" || Label("kick") != "Kick" || Label("theremin") != "theremin" {
		t.Error("unexpected labels")
	}
}

func readAll(t *testing.T, s Stem) string {
	t.Helper()
	rc, err := s.Source.Open(context.Background())
	if err != nil {
		t.Fatalf("open %s: %v", s.ID, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", s.ID, err)
	}
	return string(b)
}

// fakeService mimics the separation HTTP API. Jobs report running once
// before they are done.
type fakeService struct {
	mu      sync.Mutex
	polls   int
	upload  string
	name    string
	drumsOK bool
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /jobs", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.upload = string(b)
		f.name = r.Header.Get("X-Filename")
		f.mu.Unlock()
		w.Write([]byte(`{"job_id":"job-1"}`))
	})
	mux.HandleFunc("GET /jobs/{job}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("job") != "job-1" {
			http.NotFound(w, r)
			return
		}
		f.mu.Lock()
		f.polls++
		polls := f.polls
		f.mu.Unlock()
		if polls == 1 {
			w.Write([]byte(`{"status":"running"}`))
			return
		}
		w.Write([]byte(`{"status":"done","stems":[{"id":"vocals","label":"Vocals"},{"id":"drums"},{"id":"bass"},{"id":"other","label":"Melody"}]}`))
	})
	mux.HandleFunc("POST /jobs/{job}/decompose/{kind}", func(w http.ResponseWriter, r *http.Request) {
		switch r.PathValue("kind") {
		case "drums":
			if !f.drumsOK {
				w.Write([]byte(`{"available":false}`))
				return
			}
			w.Write([]byte(`{"available":true,"stems":[{"id":"kick"},{"id":"snare"},{"id":"cymbals"},{"id":"toms"}]}`))
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("GET /jobs/{job}/stems/{stem}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte("audio:" + r.PathValue("job") + "/" + r.PathValue("stem")))
	})
	return mux
}

func TestClientSplit(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "song.mp3")
	os.WriteFile(path, []byte("mp3 bytes"), 0o644)

	c := NewClient(srv.URL, "secret", 10*time.Millisecond)
	job, err := c.Split(context.Background(), path)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if job.ID != "job-1" || len(job.Stems) != 4 {
		t.Fatalf("job = %+v", job)
	}
	if svc.upload != "mp3 bytes" || svc.name != "song.mp3" {
		t.Errorf("upload = %q as %q", svc.upload, svc.name)
	}
	if svc.polls < 2 {
		t.Errorf("polls = %d, want at least 2", svc.polls)
	}
	if job.Stems[1].Label != "Drums" || job.Stems[3].Label != "Melody" {
		t.Errorf("labels = %q, %q", job.Stems[1].Label, job.Stems[3].Label)
	}
	// Stems are re-fetchable.
	for i := 0; i < 2; i++ {
		if got := readAll(t, job.Stems[2]); got != "audio:job-1/bass" {
			t.Errorf("stem bytes = %q", got)
		}
	}
}

func TestClientDecompose(t *testing.T) {
	svc := &fakeService{drumsOK: true}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()
	c := NewClient(srv.URL, "secret", 10*time.Millisecond)

	stems, err := c.Decompose(context.Background(), "job-1", KindDrums)
	if err != nil {
		t.Fatalf("Decompose: %v", err)
	}
	if len(stems) != 4 || stems[0].ID != "kick" || stems[0].Label != "Kick" {
		t.Errorf("stems = %+v", stems)
	}

	if _, err := c.Decompose(context.Background(), "job-1", KindVocals); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("404 decompose err = %v, want ErrNotAvailable", err)
	}

	svc.drumsOK = false
	if _, err := c.Decompose(context.Background(), "job-1", KindDrums); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("unavailable decompose err = %v, want ErrNotAvailable", err)
	}
}

func TestClientJobNotFound(t *testing.T) {
	srv := httptest.NewServer((&fakeService{}).handler())
	defer srv.Close()
	c := NewClient(srv.URL, "", 10*time.Millisecond)

	if _, err := c.Open(context.Background(), "missing"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestClientFailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":"out of memory"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 10*time.Millisecond)

	_, err := c.Open(context.Background(), "job-1")
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Errorf("err = %v, want failure message", err)
	}
}

func TestClientPollHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"running"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "", 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Open(ctx, "job-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestWaitForHealthy(t *testing.T) {
	srv := httptest.NewServer((&fakeService{}).handler())
	defer srv.Close()
	c := NewClient(srv.URL, "", 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitForHealthy(ctx); err != nil {
		t.Errorf("WaitForHealthy: %v", err)
	}
}

// fakePython stands in for the interpreter: it writes the files each script
// would produce and logs the script name.
const fakePython = `#!/bin/sh
echo "$(basename "$1")" >> "$FAKE_PYTHON_LOG"
case "$(basename "$1")" in
stem-split.py)
	for s in vocals drums bass other; do echo "$s" > "$3/$s.wav"; done ;;
stem-split-melodies.py)
	mkdir -p "$3/melodies-sep"
	for s in guitar piano other; do echo "$s" > "$3/melodies-sep/$s.wav"; done ;;
stem-split-vocals.py)
	exit 3 ;;
run_demucs_drumsep.py)
	out="$5/49469ca8/drums"
	mkdir -p "$out"
	for s in bombo redoblante platillos toms; do echo "$s" > "$out/$s.wav"; done ;;
esac
`

func newFakeLocal(t *testing.T) (*Local, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreter is a shell script")
	}
	dir := t.TempDir()
	python := filepath.Join(dir, "python")
	if err := os.WriteFile(python, []byte(fakePython), 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_PYTHON_LOG", logPath)
	os.MkdirAll(filepath.Join(dir, "drumsep"), 0o755)
	return NewLocal(python, filepath.Join(dir, "scripts"), filepath.Join(dir, "work"), filepath.Join(dir, "drumsep")), logPath
}

func calls(t *testing.T, logPath string) []string {
	b, _ := os.ReadFile(logPath)
	return strings.Fields(string(b))
}

func TestLocalSplitAndDecompose(t *testing.T) {
	l, logPath := newFakeLocal(t)
	input := filepath.Join(t.TempDir(), "song.wav")
	os.WriteFile(input, []byte("wav"), 0o644)
	ctx := context.Background()

	job, err := l.Split(ctx, input)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if len(job.Stems) != 4 || job.Stems[0].ID != "vocals" || job.Stems[3].Label != "Melody" {
		t.Fatalf("stems = %+v", job.Stems)
	}
	if got := readAll(t, job.Stems[1]); strings.TrimSpace(got) != "drums" {
		t.Errorf("drums bytes = %q", got)
	}

	drums, err := l.Decompose(ctx, job.ID, KindDrums)
	if err != nil {
		t.Fatalf("Decompose drums: %v", err)
	}
	var ids []string
	for _, s := range drums {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "kick,snare,cymbals,toms" {
		t.Errorf("drum stems = %v", ids)
	}
	if got := readAll(t, drums[1]); strings.TrimSpace(got) != "redoblante" {
		t.Errorf("snare bytes = %q", got)
	}

	melodies, err := l.Decompose(ctx, job.ID, KindMelodies)
	if err != nil || len(melodies) != 3 {
		t.Fatalf("Decompose melodies = %d stems, %v", len(melodies), err)
	}

	// A second request reuses the files on disk.
	if _, err := l.Decompose(ctx, job.ID, KindMelodies); err != nil {
		t.Fatalf("second Decompose: %v", err)
	}
	want := "stem-split.py run_demucs_drumsep.py stem-split-melodies.py"
	if got := strings.Join(calls(t, logPath), " "); got != want {
		t.Errorf("scripts run = %q, want %q", got, want)
	}

	reopened, err := l.Open(ctx, job.ID)
	if err != nil || len(reopened.Stems) != 4 {
		t.Errorf("Open = %+v, %v", reopened, err)
	}
}

func TestLocalScriptFailure(t *testing.T) {
	l, _ := newFakeLocal(t)
	input := filepath.Join(t.TempDir(), "song.wav")
	os.WriteFile(input, []byte("wav"), 0o644)
	job, err := l.Split(context.Background(), input)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	_, err = l.Decompose(context.Background(), job.ID, KindVocals)
	if err == nil || errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want script failure", err)
	}
}

func TestLocalDrumsWithoutCheckout(t *testing.T) {
	l, _ := newFakeLocal(t)
	l.DrumSepDir = ""
	input := filepath.Join(t.TempDir(), "song.wav")
	os.WriteFile(input, []byte("wav"), 0o644)
	job, _ := l.Split(context.Background(), input)

	if _, err := l.Decompose(context.Background(), job.ID, KindDrums); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("err = %v, want ErrNotAvailable", err)
	}
}

func TestLocalMissingInput(t *testing.T) {
	l, _ := newFakeLocal(t)
	if _, err := l.Split(context.Background(), "/nonexistent/song.wav"); err == nil {
		t.Error("Split of a missing file succeeded")
	}
	if _, err := l.Decompose(context.Background(), "no-such-job", KindDrums); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Decompose of unknown job err = %v, want ErrNotAvailable", err)
	}
}
