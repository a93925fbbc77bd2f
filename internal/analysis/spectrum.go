package analysis

import (
	"context"
	"math"
	"math/cmplx"
	"slices"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	fftSize = 2048
	hopSize = 512
	// median filter lengths for harmonic/percussive separation
	timeKernel = 17
	freqKernel = 17
)

// spectrogram is a magnitude STFT, indexed [frame][bin].
type spectrogram struct {
	mag  [][]float64
	rate int
}

func (s *spectrogram) frameRate() float64 { return float64(s.rate) / hopSize }

func (s *spectrogram) binHz(k int) float64 { return float64(k) * float64(s.rate) / fftSize }

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

func stft(ctx context.Context, x []float32, rate int) (*spectrogram, error) {
	win := hann(fftSize)
	fft := fourier.NewFFT(fftSize)

	frames := 0
	if len(x) > 0 {
		frames = 1 + max(0, len(x)-fftSize)/hopSize
	}
	mag := make([][]float64, frames)
	buf := make([]float64, fftSize)
	coeff := make([]complex128, fftSize/2+1)
	for i := range mag {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		start := i * hopSize
		for k := range buf {
			if start+k < len(x) {
				buf[k] = float64(x[start+k]) * win[k]
			} else {
				buf[k] = 0
			}
		}
		coeff = fft.Coefficients(coeff, buf)
		row := make([]float64, len(coeff))
		for k, c := range coeff {
			row[k] = cmplx.Abs(c)
		}
		mag[i] = row
	}
	return &spectrogram{mag: mag, rate: rate}, nil
}

// separate splits s into harmonic and percussive parts with median filters
// along time and frequency and soft masks.
func separate(ctx context.Context, s *spectrogram) (harm, perc *spectrogram, err error) {
	frames := len(s.mag)
	if frames == 0 {
		return s, s, nil
	}
	bins := len(s.mag[0])

	h := make([][]float64, frames)
	p := make([][]float64, frames)
	for t := range h {
		h[t] = make([]float64, bins)
		p[t] = make([]float64, bins)
	}

	scratch := make([]float64, 0, max(timeKernel, freqKernel))
	for k := 0; k < bins; k++ {
		if k%64 == 0 && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		for t := 0; t < frames; t++ {
			scratch = scratch[:0]
			for j := max(0, t-timeKernel/2); j <= min(frames-1, t+timeKernel/2); j++ {
				scratch = append(scratch, s.mag[j][k])
			}
			h[t][k] = median(scratch)
		}
	}
	for t := 0; t < frames; t++ {
		if t%256 == 0 && ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		row := s.mag[t]
		for k := 0; k < bins; k++ {
			scratch = append(scratch[:0], row[max(0, k-freqKernel/2):min(bins, k+freqKernel/2+1)]...)
			p[t][k] = median(scratch)
		}
	}

	for t := 0; t < frames; t++ {
		for k := 0; k < bins; k++ {
			hh, pp := h[t][k]*h[t][k], p[t][k]*p[t][k]
			m := s.mag[t][k]
			if hh+pp == 0 {
				h[t][k], p[t][k] = 0, 0
				continue
			}
			h[t][k] = m * hh / (hh + pp)
			p[t][k] = m * pp / (hh + pp)
		}
	}
	return &spectrogram{mag: h, rate: s.rate}, &spectrogram{mag: p, rate: s.rate}, nil
}

// median sorts xs in place.
func median(xs []float64) float64 {
	slices.Sort(xs)
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

func energy(s *spectrogram) float64 {
	var e float64
	for _, row := range s.mag {
		for _, m := range row {
			e += m * m
		}
	}
	return e
}
