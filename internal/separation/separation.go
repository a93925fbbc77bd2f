// Package separation splits songs into stems, either through a remote
// separation service or by running the Demucs scripts locally.
package separation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/satindergrewal/stemdeck/internal/store"
)

// ErrNotAvailable is returned when a decomposition cannot be produced for a job.
var ErrNotAvailable = errors.New("decomposition not available")

// Decomposition kinds.
const (
	KindDrums    = "drums"
	KindMelodies = "melodies"
	KindVocals   = "vocals"
)

// Kinds lists the supported decompositions.
var Kinds = []string{KindDrums, KindMelodies, KindVocals}

// MainStems are the stems every split produces, in display order.
var MainStems = []string{"vocals", "drums", "bass", "other"}

var labels = map[string]string{
	"vocals":  "Vocals",
	"drums":   "Drums",
	"bass":    "Bass",
	"other":   "Melody",
	"kick":    "Kick",
	"snare":   "Snare",
	"cymbals": "Cymbals",
	"toms":    "Toms",
	"guitar":  "Guitar",
	"piano":   "Piano",
	"lead":    "Lead",
	"backing": "Backing",
}

// Label returns the display name of a stem id.
func Label(id string) string {
	if l, ok := labels[id]; ok {
		return l
	}
	return id
}

// Parent returns the main stem a decomposition kind splits.
func Parent(kind string) (string, error) {
	switch kind {
	case KindDrums:
		return "drums", nil
	case KindVocals:
		return "vocals", nil
	case KindMelodies:
		return "other", nil
	}
	return "", fmt.Errorf("unknown decomposition %q", kind)
}

// Stem is one separated track. Its bytes can be fetched any number of times.
type Stem struct {
	ID     string
	Label  string
	Source store.ByteSource
}

// Job is a finished split.
type Job struct {
	ID    string
	Stems []Stem
}

// Engine performs separations.
type Engine interface {
	// Split separates the audio file at path into the main stems.
	Split(ctx context.Context, path string) (Job, error)
	// Open returns the main stems of an earlier split.
	Open(ctx context.Context, jobID string) (Job, error)
	// Decompose splits one main stem of a job further. It returns
	// ErrNotAvailable when the engine cannot produce that decomposition.
	Decompose(ctx context.Context, jobID, kind string) ([]Stem, error)
}

// FileSource reads a stem from disk.
type FileSource struct {
	Path string
}

// Open implements store.ByteSource.
func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(f.Path)
}
