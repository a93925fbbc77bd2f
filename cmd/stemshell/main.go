// Command stemshell plays one song's stems through the sound card with an
// interactive mixer prompt.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/audio"
	"github.com/satindergrewal/stemdeck/internal/catalog"
	"github.com/satindergrewal/stemdeck/internal/config"
	"github.com/satindergrewal/stemdeck/internal/mixer"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/session"
	"github.com/satindergrewal/stemdeck/internal/waveform"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <audio file | job id>\n", filepath.Base(os.Args[0]))
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var engine separation.Engine
	if cfg.SeparationMode == config.SeparationLocal {
		engine = separation.NewLocal(cfg.PythonBin, cfg.ScriptsDir, cfg.WorkDir, cfg.DrumSepDir)
	} else {
		engine = separation.NewClient(cfg.SeparationURL, cfg.SeparationAPIKey, cfg.PollInterval)
	}

	arg := os.Args[1]
	var (
		job    separation.Job
		source string
	)
	if _, statErr := os.Stat(arg); statErr == nil {
		fmt.Printf("Separating %s...\n", arg)
		job, err = engine.Split(ctx, arg)
		source = arg
	} else {
		job, err = engine.Open(ctx, arg)
	}
	if err != nil {
		log.Fatalf("Load stems: %v", err)
	}

	cat, err := catalog.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Catalog: %v", err)
	}
	defer cat.Close()

	dec := audio.NewDecoder(cfg.FFmpegBin)
	m := mixer.New(cfg.MaxVoices)
	go m.Run(ctx)
	speaker, err := mixer.NewSpeaker(m.Frames())
	if err != nil {
		log.Fatalf("Speaker: %v", err)
	}
	defer speaker.Close()

	title := strings.TrimSuffix(filepath.Base(arg), filepath.Ext(arg))
	sess := session.New(session.Info{ID: job.ID, Title: title, JobID: job.ID, Source: source}, job, engine,
		session.Options{Decoder: dec, Opener: m.Device, Style: waveform.DefaultStyle})
	sess.Start()
	defer sess.Close()

	an := analysis.New(analysis.Config{
		SampleRate: cfg.AnalysisSampleRate,
		MaxSeconds: cfg.AnalysisMaxSeconds,
		Timeout:    cfg.AnalysisTimeout,
		MinBPM:     cfg.MinBPM,
		MaxBPM:     cfg.MaxBPM,
		CenterBPM:  cfg.CenterBPM,
		KeySegment: cfg.KeySegment,
		KeyBias:    cfg.KeyBias,
	}, dec, cat)

	sh := newShell(sess, an, os.Stdout)
	fmt.Printf("=== stemshell: %s ===\n", title)
	loadCtx, loadCancel := context.WithTimeout(ctx, 2*time.Minute)
	if err := sess.WaitLoaded(loadCtx); err != nil {
		fmt.Printf("Warning: stems still loading: %v\n", err)
	}
	loadCancel()
	sh.printHelp()
	sh.printStatus()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "stems> ",
		HistoryFile:  filepath.Join(homeDir, ".stemshell_history"),
		AutoComplete: sh.completer(),
	})
	if err != nil {
		log.Fatalf("Readline: %v", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				fmt.Println("\nExiting...")
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !sh.handle(ctx, line) {
			break
		}
	}
}
