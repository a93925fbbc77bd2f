package analysis

import (
	"context"
	"math"
)

const (
	chromaLoHz = 55.0
	chromaHiHz = 5000.0
)

var pitchNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Krumhansl-Kessler key profiles, tonic first.
var (
	majorProfile = [12]float64{6.35, 2.23, 3.48, 2.33, 4.38, 4.09, 2.52, 5.19, 2.39, 3.66, 2.29, 2.88}
	minorProfile = [12]float64{6.33, 2.68, 3.52, 5.38, 2.60, 3.53, 2.54, 4.75, 3.98, 2.69, 3.34, 3.17}
)

var commonKeys = map[string]bool{
	"C": true, "G": true, "D": true, "A": true, "E": true, "F": true,
	"Am": true, "Em": true, "Dm": true,
}

// KeyName formats a pitch class and mode, e.g. "F#" or "Am".
func KeyName(pitchClass int, minor bool) string {
	name := pitchNames[((pitchClass%12)+12)%12]
	if minor {
		name += "m"
	}
	return name
}

func hzToMIDI(hz float64) float64 { return 69 + 12*math.Log2(hz/440.0) }

// chroma folds each frame's energy between chromaLoHz and chromaHiHz onto
// the twelve pitch classes.
func chroma(s *spectrogram) [][12]float64 {
	if len(s.mag) == 0 {
		return nil
	}
	bins := len(s.mag[0])
	class := make([]int, bins)
	for k := range class {
		hz := s.binHz(k)
		if hz < chromaLoHz || hz > chromaHiHz {
			class[k] = -1
			continue
		}
		class[k] = int(math.Round(hzToMIDI(hz))) % 12
	}

	out := make([][12]float64, len(s.mag))
	for t, row := range s.mag {
		for k, m := range row {
			if pc := class[k]; pc >= 0 {
				out[t][pc] += m * m
			}
		}
	}
	return out
}

// correlate is the Pearson correlation of a chroma vector with a profile
// rotated so its tonic sits on pitch class tonic.
func correlate(c [12]float64, profile *[12]float64, tonic int) float64 {
	var cm, pm float64
	for i := 0; i < 12; i++ {
		cm += c[i]
		pm += profile[i]
	}
	cm /= 12
	pm /= 12
	var num, cv, pv float64
	for i := 0; i < 12; i++ {
		dc := c[i] - cm
		dp := profile[(i-tonic+12)%12] - pm
		num += dc * dp
		cv += dc * dc
		pv += dp * dp
	}
	if cv == 0 || pv == 0 {
		return 0
	}
	return num / math.Sqrt(cv*pv)
}

// segmentKey returns the best-scoring key for a mean chroma vector. bias is
// added to the scores of common keys. ok is false for silence.
func segmentKey(c [12]float64, bias float64) (string, bool) {
	var total float64
	for _, v := range c {
		total += v
	}
	if total <= 1e-12 {
		return "", false
	}

	best, bestScore := "", math.Inf(-1)
	for tonic := 0; tonic < 12; tonic++ {
		for _, minor := range []bool{false, true} {
			profile := &majorProfile
			if minor {
				profile = &minorProfile
			}
			name := KeyName(tonic, minor)
			score := correlate(c, profile, tonic)
			if commonKeys[name] {
				score += bias
			}
			if score > bestScore {
				best, bestScore = name, score
			}
		}
	}
	return best, true
}

// Vote returns the most frequent key. Ties go to the key seen first.
func Vote(votes []string) (string, bool) {
	counts := make(map[string]int, len(votes))
	var order []string
	for _, v := range votes {
		if counts[v] == 0 {
			order = append(order, v)
		}
		counts[v]++
	}
	best := ""
	for _, k := range order {
		if best == "" || counts[k] > counts[best] {
			best = k
		}
	}
	return best, best != ""
}

// estimateKey votes over fixed-length segments of the harmonic chroma.
func estimateKey(ctx context.Context, f *features) (string, bool, error) {
	frames := chroma(f.harm)
	per := max(1, int(math.Round(f.segment.Seconds()*f.harm.frameRate())))

	var votes []string
	for start := 0; start < len(frames); start += per {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		end := min(len(frames), start+per)
		var mean [12]float64
		for _, c := range frames[start:end] {
			for i := range mean {
				mean[i] += c[i]
			}
		}
		for i := range mean {
			mean[i] /= float64(end - start)
		}
		if key, ok := segmentKey(mean, f.keyBias); ok {
			votes = append(votes, key)
		}
	}
	key, ok := Vote(votes)
	return key, ok, nil
}
