// Package analysis estimates the tempo and key of a song from its audio.
//
// Tempo comes from the autocorrelation of percussive onsets, folded into a
// preferred BPM range. Key comes from a majority vote of per-segment chroma
// matches against major and minor key profiles. Both run concurrently under
// one timeout and degrade to nil independently.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"
)

// Config tunes the pipeline.
type Config struct {
	SampleRate int
	MaxSeconds float64
	Timeout    time.Duration
	MinBPM     float64
	MaxBPM     float64
	CenterBPM  float64
	KeySegment time.Duration
	KeyBias    float64
}

// DefaultConfig returns the stock analysis settings.
func DefaultConfig() Config {
	return Config{
		SampleRate: 22050,
		MaxSeconds: 90,
		Timeout:    30 * time.Second,
		MinBPM:     55,
		MaxBPM:     175,
		CenterBPM:  92,
		KeySegment: 15 * time.Second,
		KeyBias:    0.01,
	}
}

// Result is the analysis of one source. Either field is nil when unknown.
type Result struct {
	BPM *int    `json:"bpm"`
	Key *string `json:"key"`
}

// Cache stores finished results per source id.
type Cache interface {
	GetAnalysis(ctx context.Context, source string) (Result, bool, error)
	PutAnalysis(ctx context.Context, source string, r Result) error
}

// Decoder produces mono samples for analysis.
type Decoder interface {
	DecodeMono(ctx context.Context, path string, rate int, maxSeconds float64) ([]float32, error)
}

// features are shared by both estimators and computed once per run.
type features struct {
	full, harm, perc *spectrogram
	segment          time.Duration
	keyBias          float64
}

// Analyzer runs the pipeline and consults the cache.
type Analyzer struct {
	cfg   Config
	dec   Decoder
	cache Cache

	tempo func(context.Context, *features) (float64, error)
	key   func(context.Context, *features) (string, bool, error)
}

// New creates an analyzer. cache may be nil.
func New(cfg Config, dec Decoder, cache Cache) *Analyzer {
	return &Analyzer{cfg: cfg, dec: dec, cache: cache, tempo: estimateTempo, key: estimateKey}
}

// Analyze returns the tempo and key of the audio file at path, identified by
// source for caching. It returns within the configured timeout; fields that
// did not finish in time are nil. A result is cached only when both
// estimators finished.
func (a *Analyzer) Analyze(ctx context.Context, source, path string) (Result, error) {
	if a.cache != nil && source != "" {
		r, ok, err := a.cache.GetAnalysis(ctx, source)
		if err != nil {
			log.Printf("Analysis cache read failed for %s: %v", source, err)
		} else if ok {
			return r, nil
		}
	}

	start := time.Now()
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if a.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	samples, err := a.dec.DecodeMono(runCtx, path, a.cfg.SampleRate, a.cfg.MaxSeconds)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil {
			log.Printf("Analysis of %s timed out during decode", source)
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("analysis decode: %w", err)
	}

	prepare := sync.OnceValues(func() (*features, error) {
		return a.extract(runCtx, samples)
	})

	type tempoOut struct {
		bpm float64
		err error
	}
	type keyOut struct {
		key string
		ok  bool
		err error
	}
	tempoCh := make(chan tempoOut, 1)
	keyCh := make(chan keyOut, 1)

	go func() {
		f, err := prepare()
		if err != nil {
			tempoCh <- tempoOut{err: err}
			return
		}
		bpm, err := a.tempo(runCtx, f)
		tempoCh <- tempoOut{bpm, err}
	}()
	go func() {
		f, err := prepare()
		if err != nil {
			keyCh <- keyOut{err: err}
			return
		}
		key, ok, err := a.key(runCtx, f)
		keyCh <- keyOut{key, ok, err}
	}()

	var res Result
	finished := 0
	for pending := 2; pending > 0; pending-- {
		select {
		case out := <-tempoCh:
			if out.err != nil {
				log.Printf("Tempo estimate for %s failed: %v", source, out.err)
				continue
			}
			finished++
			if bpm, ok := Fold(out.bpm, a.cfg.MinBPM, a.cfg.MaxBPM, a.cfg.CenterBPM); ok {
				v := int(math.Round(bpm))
				res.BPM = &v
			}
		case out := <-keyCh:
			if out.err != nil {
				log.Printf("Key estimate for %s failed: %v", source, out.err)
				continue
			}
			finished++
			if out.ok {
				k := out.key
				res.Key = &k
			}
		case <-runCtx.Done():
			log.Printf("Analysis of %s timed out after %v (bpm=%s key=%s)",
				source, time.Since(start).Round(time.Millisecond), fmtInt(res.BPM), fmtStr(res.Key))
			return res, nil
		}
	}

	log.Printf("Analysis of %s: bpm=%s key=%s in %v", source, fmtInt(res.BPM), fmtStr(res.Key), time.Since(start).Round(time.Millisecond))
	if finished == 2 && a.cache != nil && source != "" {
		if err := a.cache.PutAnalysis(ctx, source, res); err != nil {
			log.Printf("Analysis cache write failed for %s: %v", source, err)
		}
	}
	return res, nil
}

func (a *Analyzer) extract(ctx context.Context, samples []float32) (*features, error) {
	full, err := stft(ctx, samples, a.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	harm, perc, err := separate(ctx, full)
	if err != nil {
		return nil, err
	}
	return &features{full: full, harm: harm, perc: perc, segment: a.cfg.KeySegment, keyBias: a.cfg.KeyBias}, nil
}

func fmtInt(v *int) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(*v)
}

func fmtStr(v *string) string {
	if v == nil {
		return "none"
	}
	return *v
}
