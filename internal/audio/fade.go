package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeGain is the gain multiplier for frame n of a fade-in lasting total frames.
// Restarted sources use it to soften the re-attack after a seek or mute change.
func FadeGain(n, total int) float32 {
	if total <= 0 || n >= total {
		return 1
	}
	return float32(Smoothstep(float64(n) / float64(total)))
}

// ToInt16 converts a float sample to int16, clipping to the int16 range.
func ToInt16(v float32) int16 {
	s := v * 32767
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return int16(s)
}
