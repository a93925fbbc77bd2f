// Package mix holds per-track mix state (volume, mute, solo) organised as
// main stems with optional sub-stem groups, and resolves it into gains.
package mix

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownTrack is returned when a mutation names a track that does not exist.
var ErrUnknownTrack = errors.New("unknown track")

// Track is one leaf audio source in the mix.
type Track struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Volume float32 `json:"volume"` // 0..1
	Muted  bool    `json:"muted"`
	Solo   bool    `json:"solo"`

	Loaded      bool `json:"loaded"`      // buffer decoded and registered
	Unavailable bool `json:"unavailable"` // decode or fetch failed
}

// Group is a main stem and the sub-stems it has been decomposed into.
type Group struct {
	Track
	Kind string  `json:"kind,omitempty"` // decomposition kind that produced Subs
	Subs []Track `json:"subs,omitempty"`
}

// Change describes what a mutation touched; the transport reacts differently
// to flag changes and pure volume changes.
type Change int

const (
	ChangeVolume Change = iota
	ChangeMute
	ChangeSolo
	ChangeLayout // tracks added, removed or loaded
)

func (c Change) String() string {
	switch c {
	case ChangeVolume:
		return "volume"
	case ChangeMute:
		return "mute"
	case ChangeSolo:
		return "solo"
	default:
		return "layout"
	}
}

// NewTrack returns a track in its initial state: unmuted, unsoloed, full volume.
func NewTrack(id, label string) Track {
	return Track{ID: id, Label: label, Volume: 1}
}

// State is the mutable, concurrency-safe mix tree of one session.
type State struct {
	mu     sync.RWMutex
	groups []Group
}

// NewState creates a mix tree with one group per main track, in order.
func NewState(main []Track) *State {
	s := &State{groups: make([]Group, len(main))}
	for i, t := range main {
		s.groups[i] = Group{Track: t}
	}
	return s
}

// Snapshot returns a deep copy of the tree, safe to hand to Resolve.
func (s *State) Snapshot() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Group, len(s.groups))
	for i, g := range s.groups {
		out[i] = g
		if g.Subs != nil {
			out[i].Subs = append([]Track(nil), g.Subs...)
		}
	}
	return out
}

// Track returns a copy of the track with the given id at either level.
func (s *State) Track(id string) (Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t := s.find(id); t != nil {
		return *t, true
	}
	return Track{}, false
}

// SetSubs replaces the sub-stems of a main track.
func (s *State) SetSubs(parent, kind string, subs []Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.groups {
		if s.groups[i].ID == parent {
			s.groups[i].Kind = kind
			s.groups[i].Subs = append([]Track(nil), subs...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTrack, parent)
}

// SetMuted sets a track's mute flag. Reports whether it changed.
func (s *State) SetMuted(id string, muted bool) (bool, error) {
	return s.update(id, func(t *Track) bool {
		if t.Muted == muted {
			return false
		}
		t.Muted = muted
		return true
	})
}

// SetSolo sets a track's solo flag. Reports whether it changed.
func (s *State) SetSolo(id string, solo bool) (bool, error) {
	return s.update(id, func(t *Track) bool {
		if t.Solo == solo {
			return false
		}
		t.Solo = solo
		return true
	})
}

// SetVolume sets a track's volume, clamped to [0,1]. Reports whether it changed.
func (s *State) SetVolume(id string, v float32) (bool, error) {
	v = clampVolume(v)
	return s.update(id, func(t *Track) bool {
		if t.Volume == v {
			return false
		}
		t.Volume = v
		return true
	})
}

// SetLoaded marks a track's buffer as registered in the store.
func (s *State) SetLoaded(id string) error {
	_, err := s.update(id, func(t *Track) bool {
		t.Loaded, t.Unavailable = true, false
		return true
	})
	return err
}

// SetUnavailable marks a track whose decode or fetch failed. It stays silent.
func (s *State) SetUnavailable(id string) error {
	_, err := s.update(id, func(t *Track) bool {
		t.Loaded, t.Unavailable = false, true
		return true
	})
	return err
}

func (s *State) update(id string, fn func(*Track) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(id)
	if t == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownTrack, id)
	}
	return fn(t), nil
}

// find must be called with mu held.
func (s *State) find(id string) *Track {
	for i := range s.groups {
		g := &s.groups[i]
		if g.ID == id {
			return &g.Track
		}
		for j := range g.Subs {
			if g.Subs[j].ID == id {
				return &g.Subs[j]
			}
		}
	}
	return nil
}

func clampVolume(v float32) float32 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
