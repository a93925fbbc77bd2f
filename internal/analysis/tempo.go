package analysis

import (
	"context"
	"math"
)

const (
	// percussive parts quieter than this share of the total energy are noise
	percussiveFloor = 0.05

	priorBPM   = 120.0
	priorOctSD = 1.0 // log-normal prior width, in octaves
	minLagBPM  = 30.0
	maxLagBPM  = 300.0
)

// onsetStrength is the half-wave rectified log-spectral flux per frame.
func onsetStrength(s *spectrogram) []float64 {
	if len(s.mag) < 2 {
		return nil
	}
	out := make([]float64, len(s.mag))
	prev := logMag(s.mag[0])
	for t := 1; t < len(s.mag); t++ {
		cur := logMag(s.mag[t])
		var flux float64
		for k := range cur {
			if d := cur[k] - prev[k]; d > 0 {
				flux += d
			}
		}
		out[t] = flux / float64(len(cur))
		prev = cur
	}
	return out
}

func logMag(row []float64) []float64 {
	out := make([]float64, len(row))
	for k, m := range row {
		out[k] = math.Log1p(100 * m)
	}
	return out
}

// rawTempo picks the autocorrelation lag of the onset envelope with the
// highest prior-weighted score and returns it in BPM, or 0 if the envelope
// carries no periodicity.
func rawTempo(onset []float64, frameRate float64) float64 {
	n := len(onset)
	if n < 4 {
		return 0
	}
	var mean float64
	for _, v := range onset {
		mean += v
	}
	mean /= float64(n)
	x := make([]float64, n)
	var power float64
	for i, v := range onset {
		x[i] = v - mean
		power += x[i] * x[i]
	}
	if power == 0 {
		return 0
	}

	minLag := max(1, int(math.Floor(60*frameRate/maxLagBPM)))
	maxLag := min(n-2, int(math.Ceil(60*frameRate/minLagBPM)))
	if maxLag <= minLag {
		return 0
	}

	ac := make([]float64, maxLag+2)
	for lag := minLag - 1; lag <= maxLag+1; lag++ {
		if lag < 1 || lag >= n {
			continue
		}
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += x[i] * x[i+lag]
		}
		ac[lag] = sum / float64(n-lag)
	}

	best, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		if ac[lag] <= 0 {
			continue
		}
		bpm := 60 * frameRate / float64(lag)
		oct := math.Log2(bpm / priorBPM)
		score := ac[lag] * math.Exp(-0.5*(oct/priorOctSD)*(oct/priorOctSD))
		if score > bestScore {
			best, bestScore = lag, score
		}
	}
	if best == 0 {
		return 0
	}

	// Parabolic interpolation around the peak.
	lag := float64(best)
	if best > 1 && best+1 < len(ac) {
		a, b, c := ac[best-1], ac[best], ac[best+1]
		if d := a - 2*b + c; d < 0 {
			if off := 0.5 * (a - c) / d; math.Abs(off) < 1 {
				lag += off
			}
		}
	}
	return 60 * frameRate / lag
}

// estimateTempo returns the raw tempo of the mix, measured on its percussive
// part unless that part is too quiet.
func estimateTempo(ctx context.Context, f *features) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	src := f.perc
	if total := energy(f.full); total == 0 || energy(f.perc)/total < percussiveFloor {
		src = f.full
	}
	return rawTempo(onsetStrength(src), src.frameRate()), nil
}

// Fold moves raw into [lo, hi] by halving or doubling up to twice, preferring
// the candidate closest to center. If no candidate lands in range the one
// closest to the middle of the range wins. ok is false for non-positive or
// non-finite input.
func Fold(raw, lo, hi, center float64) (bpm float64, ok bool) {
	if !(raw > 0) || math.IsInf(raw, 0) {
		return 0, false
	}
	candidates := [...]float64{raw, raw / 2, raw / 4, raw * 2, raw * 4}

	found := false
	for _, c := range candidates {
		if c < lo || c > hi {
			continue
		}
		if !found || math.Abs(c-center) < math.Abs(bpm-center) {
			bpm, found = c, true
		}
	}
	if found {
		return bpm, true
	}

	mid := (lo + hi) / 2
	bpm = candidates[0]
	for _, c := range candidates[1:] {
		if math.Abs(c-mid) < math.Abs(bpm-mid) {
			bpm = c
		}
	}
	return bpm, true
}
