// Package api serves the JSON control surface of the player.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/stemdeck/internal/analysis"
	"github.com/satindergrewal/stemdeck/internal/catalog"
	"github.com/satindergrewal/stemdeck/internal/separation"
	"github.com/satindergrewal/stemdeck/internal/session"
	"github.com/satindergrewal/stemdeck/internal/waveform"
)

// Analyzer estimates tempo and key of an audio file.
type Analyzer interface {
	Analyze(ctx context.Context, source, path string) (analysis.Result, error)
}

// Config sizes waveform images when the client does not.
type Config struct {
	WaveformWidth  int
	WaveformHeight int
}

// Server owns the routes. Long-running work started by a request (analysis,
// reloading decompositions) outlives the request and is tracked here.
type Server struct {
	engine   separation.Engine
	catalog  *catalog.Catalog
	analyzer Analyzer
	sessions *session.Manager
	opts     session.Options
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the API server.
func New(engine separation.Engine, cat *catalog.Catalog, an Analyzer, sessions *session.Manager, opts session.Options, cfg Config) *Server {
	if cfg.WaveformWidth <= 0 {
		cfg.WaveformWidth = 800
	}
	if cfg.WaveformHeight <= 0 {
		cfg.WaveformHeight = 80
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		engine:   engine,
		catalog:  cat,
		analyzer: an,
		sessions: sessions,
		opts:     opts,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/split", s.handleSplit)
	mux.HandleFunc("GET /api/songs", s.handleSongs)
	mux.HandleFunc("POST /api/songs/{id}/open", s.handleOpen)
	mux.HandleFunc("GET /api/analysis", s.handleAnalysis)
	mux.HandleFunc("POST /api/decompose", s.handleDecompose)
	mux.HandleFunc("POST /api/play", s.handlePlay)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/seek", s.handleSeek)
	mux.HandleFunc("POST /api/tracks/{id}", s.handleTrack)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/waveform/{id}", s.handleWaveform)
	mux.HandleFunc("POST /api/close", s.handleClose)
}

// Wait blocks until background work started by requests has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close cancels background work, waits for it and closes the open session.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.sessions.Close()
}

func (s *Server) background(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path  string `json:"path"`
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "path required", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = strings.TrimSuffix(filepath.Base(req.Path), filepath.Ext(req.Path))
	}

	job, err := s.engine.Split(r.Context(), req.Path)
	if err != nil {
		log.Printf("Split of %s failed: %v", req.Path, err)
		writeError(w, fmt.Errorf("split: %w", err))
		return
	}

	song := catalog.Song{ID: uuid.NewString(), Title: req.Title, JobID: job.ID, Source: req.Path}
	if err := s.catalog.SaveSong(r.Context(), song); err != nil {
		writeError(w, err)
		return
	}
	sess := s.open(song, job)
	s.analyze(song)

	writeJSON(w, http.StatusCreated, sess.Status())
}

func (s *Server) handleSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := s.catalog.Songs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if songs == nil {
		songs = []catalog.Song{}
	}
	writeJSON(w, http.StatusOK, songs)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	song, err := s.catalog.Song(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := s.engine.Open(r.Context(), song.JobID)
	if err != nil {
		writeError(w, fmt.Errorf("open job %s: %w", song.JobID, err))
		return
	}
	sess := s.open(song, job)

	kinds := song.Decompositions
	if len(kinds) > 0 {
		s.background(func(ctx context.Context) {
			for _, kind := range kinds {
				if err := sess.LoadDecomposition(ctx, kind); err != nil {
					log.Printf("Reloading %s of %s failed: %v", kind, song.Title, err)
				}
			}
		})
	}
	if song.BPM == nil && song.Key == nil {
		s.analyze(song)
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

// open replaces the current session with one for song.
func (s *Server) open(song catalog.Song, job separation.Job) *session.Session {
	sess := session.New(session.Info{ID: song.ID, Title: song.Title, JobID: job.ID, Source: song.Source}, job, s.engine, s.opts)
	s.sessions.Replace(sess)
	log.Printf("Opened %s (%d stems)", song.Title, len(job.Stems))
	return sess
}

// analyze estimates tempo and key in the background and records them on
// the song. Playback never waits for it.
func (s *Server) analyze(song catalog.Song) {
	if s.analyzer == nil || song.Source == "" {
		return
	}
	s.background(func(ctx context.Context) {
		res, err := s.analyzer.Analyze(ctx, song.Source, song.Source)
		if err != nil {
			log.Printf("Analysis of %s failed: %v", song.Title, err)
			return
		}
		if err := s.catalog.SetAnalysis(ctx, song.ID, res); err != nil {
			log.Printf("Saving analysis of %s failed: %v", song.Title, err)
		}
	})
}

func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		http.Error(w, "source required", http.StatusBadRequest)
		return
	}
	if s.analyzer == nil {
		writeJSON(w, http.StatusOK, analysis.Result{})
		return
	}
	res, err := s.analyzer.Analyze(r.Context(), source, source)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		http.Error(w, "type required", http.StatusBadRequest)
		return
	}
	if _, err := separation.Parent(req.Type); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := sess.LoadDecomposition(r.Context(), req.Type); err != nil {
		log.Printf("Decomposition %s of %s failed: %v", req.Type, sess.Title, err)
		writeError(w, err)
		return
	}
	if err := s.catalog.AddDecomposition(r.Context(), sess.ID, req.Type); err != nil {
		log.Printf("Recording decomposition %s of %s failed: %v", req.Type, sess.Title, err)
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, func(sess *session.Session) error { return sess.Play() })
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, func(sess *session.Session) error { return sess.Pause() })
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Position *float64 `json:"position"` // seconds
		X        *float64 `json:"x"`
		Width    *float64 `json:"width"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch {
	case req.Position != nil:
		pos := time.Duration(*req.Position * float64(time.Second))
		s.withSession(w, func(sess *session.Session) error { return sess.Seek(pos) })
	case req.X != nil && req.Width != nil:
		f := waveform.HitTest(*req.X, *req.Width)
		s.withSession(w, func(sess *session.Session) error { return sess.SeekFraction(f) })
	default:
		http.Error(w, "position or x and width required", http.StatusBadRequest)
	}
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Muted  *bool    `json:"muted"`
		Solo   *bool    `json:"solo"`
		Volume *float64 `json:"volume"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.Volume != nil && (*req.Volume < 0 || *req.Volume > 1) {
		http.Error(w, "volume must be 0-1", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	s.withSession(w, func(sess *session.Session) error {
		if req.Muted != nil {
			if err := sess.SetMuted(id, *req.Muted); err != nil {
				return err
			}
		}
		if req.Solo != nil {
			if err := sess.SetSolo(id, *req.Solo); err != nil {
				return err
			}
		}
		if req.Volume != nil {
			return sess.SetVolume(id, float32(*req.Volume))
		}
		return nil
	})
}

// statusResponse adds the song's analysis to the session status.
type statusResponse struct {
	session.Status
	BPM *int    `json:"bpm"`
	Key *string `json:"key"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statusResponse{Status: sess.Status()}
	if song, err := s.catalog.Song(r.Context(), sess.ID); err == nil {
		resp.BPM, resp.Key = song.BPM, song.Key
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	width, err := queryInt(r, "w", s.cfg.WaveformWidth)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	height, err := queryInt(r, "h", s.cfg.WaveformHeight)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	img, ok, err := sess.Waveform(r.PathValue("id"), width, height)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := waveform.EncodePNG(w, img); err != nil {
		log.Printf("Waveform write failed: %v", err)
	}
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// withSession runs fn against the open session and replies with its status.
func (s *Server) withSession(w http.ResponseWriter, fn func(*session.Session) error) {
	sess, err := s.sessions.Current()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := fn(sess); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 8192 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps package errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrClosed):
		code = http.StatusConflict
	case errors.Is(err, session.ErrUnknownTrack), errors.Is(err, catalog.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, separation.ErrNotAvailable):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
