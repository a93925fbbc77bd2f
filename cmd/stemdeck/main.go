package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/api"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/catalog"
	"github.com/satindergrewal/stemdeck/internal/config"
	"github.com/satindergrewal/stemdeck/internal/mixer"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/session"
	"github.com/satindergrewal/stemdeck/internal/stream"
	"github.com/satindergrewal/stemdeck/internal/transport"
	"github.com/satindergrewal/stemdeck/internal/waveform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Println("stemdeck starting up...")

	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Catalog: %v", err)
	}
	defer cat.Close()

	engine, err := newEngine(ctx, cfg)
	if err != nil {
		log.Fatalf("Separation engine not available: %v", err)
	}

	dec := audio.NewDecoder(cfg.FFmpegBin)
	analyzer := analysis.New(analysis.Config{
		SampleRate: cfg.AnalysisSampleRate,
		MaxSeconds: cfg.AnalysisMaxSeconds,
		Timeout:    cfg.AnalysisTimeout,
		MinBPM:     cfg.MinBPM,
		MaxBPM:     cfg.MaxBPM,
		CenterBPM:  cfg.CenterBPM,
		KeySegment: cfg.KeySegment,
		KeyBias:    cfg.KeyBias,
	}, dec, cat)

	// Mixer: sums every running voice into 20ms frames
	m := mixer.New(cfg.MaxVoices)
	go m.Run(ctx)

	// Broadcaster: fan-out mixed frames to the speaker and remote listeners
	broadcaster := stream.NewBroadcaster(cfg.StreamQueue)
	go broadcaster.Run(ctx, m.Frames())

	if cfg.Speaker {
		l := broadcaster.Subscribe()
		speaker, err := mixer.NewSpeaker(l.C)
		if err != nil {
			log.Printf("Speaker unavailable, stream only: %v", err)
			broadcaster.Unsubscribe(l)
		} else {
			defer speaker.Close()
			log.Println("Speaker output enabled")
		}
	}

	webrtcHandler := stream.NewWebRTCHandler(broadcaster, cfg.ICEServerList(), cfg.OpusBitrate)
	defer webrtcHandler.Close()

	sessions := session.NewManager(func(s *session.Session) {
		flushOnRestart(s, broadcaster)
	})
	srv := api.New(engine, cat, analyzer, sessions, session.Options{
		Decoder: dec,
		Opener:  m.Device,
		Clock:   transport.SystemClock,
		Style:   waveform.DefaultStyle,
	}, api.Config{
		WaveformWidth:  cfg.WaveformWidth,
		WaveformHeight: cfg.WaveformHeight,
	})

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, cfg.FFmpegBin, cfg.StreamBitrate))
	mux.Handle("/offer", webrtcHandler)
	mux.HandleFunc("GET /api/listeners", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"stream":%d,"webrtc":%d,"dropped_frames":%d}`,
			broadcaster.ListenerCount(), webrtcHandler.PeerCount(), broadcaster.Dropped())
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		server.Close()
	}()

	log.Printf("stemdeck live on %s (%s separation)", addr, cfg.SeparationMode)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("HTTP server error: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("Session close: %v", err)
	}
}

func newEngine(ctx context.Context, cfg config.Config) (separation.Engine, error) {
	if cfg.SeparationMode == config.SeparationLocal {
		if cfg.DrumSepDir == "" {
			log.Println("DrumSep not configured (set STEMDECK_DRUMSEP_DIR to enable drum decomposition)")
		}
		return separation.NewLocal(cfg.PythonBin, cfg.ScriptsDir, cfg.WorkDir, cfg.DrumSepDir), nil
	}

	client := separation.NewClient(cfg.SeparationURL, cfg.SeparationAPIKey, cfg.PollInterval)
	healthCtx, healthCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer healthCancel()
	if err := client.WaitForHealthy(healthCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// flushOnRestart drops frames queued for listeners on every transport change
// (play, pause, seek, restart), so remote listeners hear it promptly.
func flushOnRestart(s *session.Session, b *stream.Broadcaster) {
	s.SetObserver(func(transport.Status) { b.Flush() })
}
