package mix

// Resolve computes the effective gain of every track in the tree.
//
// A solo anywhere silences every non-soloed track. A group whose sub-stems are
// loaded, with at least one unmuted, and whose parent is not soloed, plays
// through its sub-stems: the parent resolves to 0. Muted tracks are always 0.
func Resolve(groups []Group) map[string]float32 {
	globalSolo := false
	for _, g := range groups {
		if g.Solo {
			globalSolo = true
			break
		}
		for _, s := range g.Subs {
			if s.Solo {
				globalSolo = true
				break
			}
		}
	}

	gains := make(map[string]float32, len(groups)*2)
	for _, g := range groups {
		if UsesSubs(g) {
			gains[g.ID] = 0
		} else {
			gains[g.ID] = leafGain(g.Track, globalSolo)
		}
		for _, s := range g.Subs {
			gains[s.ID] = leafGain(s, globalSolo)
		}
	}
	return gains
}

// UsesSubs reports whether a group's sub-stems replace its parent track.
func UsesSubs(g Group) bool {
	if len(g.Subs) == 0 || g.Solo {
		return false
	}
	loaded, unmuted := 0, false
	for _, s := range g.Subs {
		if s.Unavailable {
			continue
		}
		if !s.Loaded {
			return false
		}
		loaded++
		if !s.Muted {
			unmuted = true
		}
	}
	return loaded > 0 && unmuted
}

func leafGain(t Track, globalSolo bool) float32 {
	switch {
	case t.Muted:
		return 0
	case globalSolo && !t.Solo:
		return 0
	default:
		return t.Volume
	}
}

// Audible returns the ids with a gain above zero.
func Audible(gains map[string]float32) map[string]bool {
	out := make(map[string]bool, len(gains))
	for id, g := range gains {
		if g > 0 {
			out[id] = true
		}
	}
	return out
}
