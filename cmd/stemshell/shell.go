package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/session"
)

type analyzer interface {
	Analyze(ctx context.Context, source, path string) (analysis.Result, error)
}

// shell maps typed commands onto one session.
type shell struct {
	sess *session.Session
	an   analyzer
	out  io.Writer
}

func newShell(s *session.Session, an analyzer, out io.Writer) *shell {
	return &shell{sess: s, an: an, out: out}
}

func (sh *shell) completer() readline.AutoCompleter {
	var ids []readline.PrefixCompleterInterface
	for _, g := range sh.sess.Status().Tracks {
		ids = append(ids, readline.PcItem(g.ID))
	}
	kinds := make([]readline.PrefixCompleterInterface, len(separation.Kinds))
	for i, k := range separation.Kinds {
		kinds[i] = readline.PcItem(k)
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("play"),
		readline.PcItem("pause"),
		readline.PcItem("seek"),
		readline.PcItem("mute", ids...),
		readline.PcItem("unmute", ids...),
		readline.PcItem("solo", ids...),
		readline.PcItem("unsolo", ids...),
		readline.PcItem("vol", ids...),
		readline.PcItem("sub", kinds...),
		readline.PcItem("status"),
		readline.PcItem("bpm"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func (sh *shell) printHelp() {
	fmt.Fprintf(sh.out, "\nCommands:\n")
	fmt.Fprintf(sh.out, "  play / pause         Start or stop playback\n")
	fmt.Fprintf(sh.out, "  seek <sec|n%%>        Jump to a position\n")
	fmt.Fprintf(sh.out, "  mute|unmute <track>  Toggle a track\n")
	fmt.Fprintf(sh.out, "  solo|unsolo <track>  Solo a track\n")
	fmt.Fprintf(sh.out, "  vol <track> <0-100>  Set a track's volume\n")
	fmt.Fprintf(sh.out, "  sub <drums|melodies|vocals>  Split a stem further\n")
	fmt.Fprintf(sh.out, "  status               Show tracks and position\n")
	fmt.Fprintf(sh.out, "  bpm                  Estimate tempo and key\n")
	fmt.Fprintf(sh.out, "  quit                 Exit\n\n")
}

func (sh *shell) printStatus() {
	st := sh.sess.Status()
	state := "stopped"
	if st.Playing {
		state = "playing"
	}
	fmt.Fprintf(sh.out, "--- %s: %s %s / %s ---\n", st.Title, state, clock(st.Position), clock(st.Duration))
	for _, g := range st.Tracks {
		fmt.Fprintf(sh.out, "  %-14s %s\n", g.ID, flags(g.Volume, g.Muted, g.Solo, g.Loaded, g.Unavailable))
		for _, s := range g.Subs {
			fmt.Fprintf(sh.out, "    %-12s %s\n", s.ID, flags(s.Volume, s.Muted, s.Solo, s.Loaded, s.Unavailable))
		}
	}
}

func flags(vol float32, muted, solo, loaded, unavailable bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "vol %3.0f%%", vol*100)
	if muted {
		b.WriteString(" [M]")
	}
	if solo {
		b.WriteString(" [S]")
	}
	switch {
	case unavailable:
		b.WriteString(" unavailable")
	case !loaded:
		b.WriteString(" loading")
	}
	return b.String()
}

func clock(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	return fmt.Sprintf("%d:%04.1f", int(d.Minutes()), (d % time.Minute).Seconds())
}

// handle runs one command line. It returns false when the shell should exit.
func (sh *shell) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return false
	case "help":
		sh.printHelp()
		return true
	case "status":
		sh.printStatus()
		return true
	case "play":
		err = sh.sess.Play()
	case "pause":
		err = sh.sess.Pause()
	case "seek":
		err = sh.seek(args)
	case "mute", "unmute":
		if err = needArgs(args, 1); err == nil {
			err = sh.sess.SetMuted(args[0], cmd == "mute")
		}
	case "solo", "unsolo":
		if err = needArgs(args, 1); err == nil {
			err = sh.sess.SetSolo(args[0], cmd == "solo")
		}
	case "vol":
		err = sh.volume(args)
	case "sub":
		if err = needArgs(args, 1); err == nil {
			fmt.Fprintf(sh.out, "Decomposing %s...\n", args[0])
			err = sh.sess.LoadDecomposition(ctx, args[0])
		}
	case "bpm":
		err = sh.analyze(ctx)
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return true
	}
	sh.printStatus()
	return true
}

func needArgs(args []string, n int) error {
	if len(args) < n {
		return fmt.Errorf("need %d argument(s)", n)
	}
	return nil
}

func (sh *shell) seek(args []string) error {
	if err := needArgs(args, 1); err != nil {
		return err
	}
	if pct, ok := strings.CutSuffix(args[0], "%"); ok {
		f, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return fmt.Errorf("bad percentage %q", args[0])
		}
		return sh.sess.SeekFraction(f / 100)
	}
	sec, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("bad position %q", args[0])
	}
	return sh.sess.Seek(time.Duration(sec * float64(time.Second)))
}

func (sh *shell) volume(args []string) error {
	if err := needArgs(args, 2); err != nil {
		return err
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil || v < 0 || v > 100 {
		return fmt.Errorf("volume must be 0-100")
	}
	return sh.sess.SetVolume(args[0], float32(v/100))
}

func (sh *shell) analyze(ctx context.Context) error {
	if sh.sess.Source == "" {
		return fmt.Errorf("no source file to analyse")
	}
	res, err := sh.an.Analyze(ctx, sh.sess.Source, sh.sess.Source)
	if err != nil {
		return err
	}
	bpm, key := "unknown", "unknown"
	if res.BPM != nil {
		bpm = strconv.Itoa(*res.BPM)
	}
	if res.Key != nil {
		key = *res.Key
	}
	fmt.Fprintf(sh.out, "  %s BPM, key %s\n", bpm, key)
	return nil
}
