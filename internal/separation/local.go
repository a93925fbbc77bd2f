package separation

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const drumSepModel = "49469ca8"

// DrumSep names its outputs in Spanish.
var drumSepStems = []struct{ file, id string }{
	{"bombo", "kick"},
	{"redoblante", "snare"},
	{"platillos", "cymbals"},
	{"toms", "toms"},
}

// Local runs the separation scripts on this machine. Every job gets its own
// directory under WorkDir; stems are WAV files inside it.
type Local struct {
	Python     string // interpreter with demucs installed
	ScriptsDir string // directory holding stem-split*.py and run_demucs_drumsep.py
	WorkDir    string
	DrumSepDir string // DrumSep checkout; drum decomposition is unavailable without it
}

// NewLocal creates a local engine.
func NewLocal(python, scriptsDir, workDir, drumSepDir string) *Local {
	if python == "" {
		python = "python3"
	}
	// Scripts run in other directories, so every path must be absolute.
	return &Local{Python: python, ScriptsDir: absPath(scriptsDir), WorkDir: absPath(workDir), DrumSepDir: absPath(drumSepDir)}
}

// Split runs stem-split.py into a new job directory.
func (l *Local) Split(ctx context.Context, path string) (Job, error) {
	path = absPath(path)
	if _, err := os.Stat(path); err != nil {
		return Job{}, fmt.Errorf("input %s: %w", path, err)
	}
	id := uuid.NewString()
	dir := l.jobDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Job{}, fmt.Errorf("create job dir: %w", err)
	}

	start := time.Now()
	if err := l.script(ctx, "", "stem-split.py", path, dir); err != nil {
		os.RemoveAll(dir)
		return Job{}, err
	}
	job, err := l.Open(ctx, id)
	if err != nil {
		return Job{}, err
	}
	log.Printf("Split %s into %d stems in %v (job %s)", filepath.Base(path), len(job.Stems), time.Since(start).Round(time.Second), id)
	return job, nil
}

// Open lists the main stems already written for a job.
func (l *Local) Open(ctx context.Context, jobID string) (Job, error) {
	dir := l.jobDir(jobID)
	var stems []Stem
	for _, id := range MainStems {
		if p := filepath.Join(dir, id+".wav"); fileExists(p) {
			stems = append(stems, Stem{ID: id, Label: Label(id), Source: FileSource{Path: p}})
		}
	}
	if len(stems) == 0 {
		return Job{}, fmt.Errorf("job %s has no stems in %s", jobID, dir)
	}
	return Job{ID: jobID, Stems: stems}, nil
}

// Decompose runs the script for kind unless its outputs already exist.
func (l *Local) Decompose(ctx context.Context, jobID, kind string) ([]Stem, error) {
	parent, err := Parent(kind)
	if err != nil {
		return nil, err
	}
	dir := l.jobDir(jobID)
	input := filepath.Join(dir, parent+".wav")
	if !fileExists(input) {
		return nil, fmt.Errorf("%w: job %s has no %s stem", ErrNotAvailable, jobID, parent)
	}

	var stems []Stem
	switch kind {
	case KindDrums:
		stems, err = l.drums(ctx, dir, input)
	case KindMelodies:
		stems, err = l.sepDir(ctx, dir, input, "stem-split-melodies.py", "melodies-sep", []string{"guitar", "piano", "other"})
	case KindVocals:
		stems, err = l.sepDir(ctx, dir, input, "stem-split-vocals.py", "vocals-sep", []string{"lead", "backing"})
	}
	if err != nil {
		return nil, err
	}
	if len(stems) == 0 {
		return nil, fmt.Errorf("%w: %s produced no stems", ErrNotAvailable, kind)
	}
	return stems, nil
}

// sepDir handles the scripts that write <dir>/<sub>/<stem>.wav.
func (l *Local) sepDir(ctx context.Context, dir, input, script, sub string, ids []string) ([]Stem, error) {
	out := filepath.Join(dir, sub)
	if !fileExists(filepath.Join(out, ids[0]+".wav")) {
		if err := l.script(ctx, "", script, input, dir); err != nil {
			return nil, err
		}
	}
	var stems []Stem
	for _, id := range ids {
		if p := filepath.Join(out, id+".wav"); fileExists(p) {
			stems = append(stems, Stem{ID: id, Label: Label(id), Source: FileSource{Path: p}})
		}
	}
	return stems, nil
}

// drums runs DrumSep through its demucs wrapper from the DrumSep checkout.
func (l *Local) drums(ctx context.Context, dir, input string) ([]Stem, error) {
	raw := filepath.Join(dir, "drums-sep")
	track, err := findTrackDir(filepath.Join(raw, drumSepModel), drumSepStems[0].file+".wav")
	if err != nil {
		if l.DrumSepDir == "" {
			return nil, fmt.Errorf("%w: drumsep checkout not configured", ErrNotAvailable)
		}
		if err := l.script(ctx, l.DrumSepDir, "run_demucs_drumsep.py", "--repo", "model", "-o", raw, "-n", drumSepModel, input); err != nil {
			return nil, err
		}
		if track, err = findTrackDir(filepath.Join(raw, drumSepModel), drumSepStems[0].file+".wav"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotAvailable, err)
		}
	}

	var stems []Stem
	for _, s := range drumSepStems {
		if p := filepath.Join(track, s.file+".wav"); fileExists(p) {
			stems = append(stems, Stem{ID: s.id, Label: Label(s.id), Source: FileSource{Path: p}})
		}
	}
	return stems, nil
}

// script runs a Python script from ScriptsDir, in workDir if set.
func (l *Local) script(ctx context.Context, workDir, name string, args ...string) error {
	path := filepath.Join(l.ScriptsDir, name)
	cmd := exec.CommandContext(ctx, l.Python, append([]string{path}, args...)...)
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	log.Printf("Running %s", name)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", name, err, tail(out.Bytes(), 512))
	}
	return nil
}

func (l *Local) jobDir(jobID string) string {
	return filepath.Join(l.WorkDir, filepath.Base(jobID))
}

// findTrackDir returns the child of root that contains marker.
func findTrackDir(root, marker string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.IsDir() && fileExists(filepath.Join(root, e.Name(), marker)) {
			return filepath.Join(root, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no track dir with %s under %s", marker, root)
}

func absPath(p string) string {
	if p == "" {
		return ""
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func tail(b []byte, n int) []byte {
	b = bytes.TrimSpace(b)
	if len(b) > n {
		return b[len(b)-n:]
	}
	return b
}
