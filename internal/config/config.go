package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Separation engine modes.
const (
	SeparationRemote = "remote"
	SeparationLocal  = "local"
)

// Config holds all runtime configuration.
type Config struct {
	// Server
	Port int `yaml:"port"`

	// Separation engine
	SeparationMode   string        `yaml:"separation_mode"` // remote or local
	SeparationURL    string        `yaml:"separation_url"`
	SeparationAPIKey string        `yaml:"separation_api_key"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PythonBin        string        `yaml:"python_bin"`
	ScriptsDir       string        `yaml:"scripts_dir"`
	WorkDir          string        `yaml:"work_dir"`
	DrumSepDir       string        `yaml:"drumsep_dir"` // DrumSep checkout; empty disables drum decomposition

	FFmpegBin string `yaml:"ffmpeg_bin"`
	DBPath    string `yaml:"db_path"`

	// Analysis
	AnalysisTimeout    time.Duration `yaml:"analysis_timeout"`
	AnalysisSampleRate int           `yaml:"analysis_sample_rate"`
	AnalysisMaxSeconds float64       `yaml:"analysis_max_seconds"`
	MinBPM             float64       `yaml:"min_bpm"`
	MaxBPM             float64       `yaml:"max_bpm"`
	CenterBPM          float64       `yaml:"center_bpm"`
	KeySegment         time.Duration `yaml:"key_segment"`
	KeyBias            float64       `yaml:"key_bias"`

	// Playback
	MaxVoices      int    `yaml:"max_voices"` // 0 means unlimited
	Speaker        bool   `yaml:"speaker"`    // play through the local sound card
	StreamQueue    int    `yaml:"stream_queue"`
	StreamBitrate  int    `yaml:"stream_bitrate"` // MP3 kbps
	OpusBitrate    int    `yaml:"opus_bitrate"`   // bps
	ICEServers     string `yaml:"ice_servers"`    // comma separated
	WaveformWidth  int    `yaml:"waveform_width"`
	WaveformHeight int    `yaml:"waveform_height"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port: 8080,

		SeparationMode: SeparationRemote,
		SeparationURL:  "http://separator:8000",
		PollInterval:   2 * time.Second,
		PythonBin:      "python3",
		ScriptsDir:     "scripts",
		WorkDir:        "data/jobs",

		FFmpegBin: "ffmpeg",
		DBPath:    "data/stemdeck.db",

		AnalysisTimeout:    30 * time.Second,
		AnalysisSampleRate: 22050,
		AnalysisMaxSeconds: 90,
		MinBPM:             55,
		MaxBPM:             175,
		CenterBPM:          92,
		KeySegment:         15 * time.Second,
		KeyBias:            0.01,

		MaxVoices:      32,
		Speaker:        true,
		StreamQueue:    10,
		StreamBitrate:  192,
		OpusBitrate:    128000,
		WaveformWidth:  800,
		WaveformHeight: 80,
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// STEMDECK_CONFIG (if any), then STEMDECK_* environment variables.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("STEMDECK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Port = envInt("STEMDECK_PORT", cfg.Port)

	cfg.SeparationMode = envStr("STEMDECK_SEPARATION", cfg.SeparationMode)
	cfg.SeparationURL = envStr("STEMDECK_SEPARATION_URL", cfg.SeparationURL)
	cfg.SeparationAPIKey = envStr("STEMDECK_SEPARATION_API_KEY", cfg.SeparationAPIKey)
	cfg.PollInterval = envDuration("STEMDECK_POLL_INTERVAL", cfg.PollInterval)
	cfg.PythonBin = envStr("STEMDECK_PYTHON", cfg.PythonBin)
	cfg.ScriptsDir = envStr("STEMDECK_SCRIPTS_DIR", cfg.ScriptsDir)
	cfg.WorkDir = envStr("STEMDECK_WORK_DIR", cfg.WorkDir)
	cfg.DrumSepDir = envStr("STEMDECK_DRUMSEP_DIR", cfg.DrumSepDir)

	cfg.FFmpegBin = envStr("STEMDECK_FFMPEG", cfg.FFmpegBin)
	cfg.DBPath = envStr("STEMDECK_DB", cfg.DBPath)

	cfg.AnalysisTimeout = envDuration("STEMDECK_ANALYSIS_TIMEOUT", cfg.AnalysisTimeout)
	cfg.AnalysisSampleRate = envInt("STEMDECK_ANALYSIS_RATE", cfg.AnalysisSampleRate)
	cfg.AnalysisMaxSeconds = envFloat("STEMDECK_ANALYSIS_MAX_SECONDS", cfg.AnalysisMaxSeconds)
	cfg.MinBPM = envFloat("STEMDECK_MIN_BPM", cfg.MinBPM)
	cfg.MaxBPM = envFloat("STEMDECK_MAX_BPM", cfg.MaxBPM)
	cfg.CenterBPM = envFloat("STEMDECK_CENTER_BPM", cfg.CenterBPM)
	cfg.KeySegment = envDuration("STEMDECK_KEY_SEGMENT", cfg.KeySegment)
	cfg.KeyBias = envFloat("STEMDECK_KEY_BIAS", cfg.KeyBias)

	cfg.MaxVoices = envInt("STEMDECK_MAX_VOICES", cfg.MaxVoices)
	cfg.Speaker = envBool("STEMDECK_SPEAKER", cfg.Speaker)
	cfg.StreamQueue = envInt("STEMDECK_STREAM_QUEUE", cfg.StreamQueue)
	cfg.StreamBitrate = envInt("STEMDECK_STREAM_BITRATE", cfg.StreamBitrate)
	cfg.OpusBitrate = envInt("STEMDECK_OPUS_BITRATE", cfg.OpusBitrate)
	cfg.ICEServers = envStr("STEMDECK_ICE_SERVERS", cfg.ICEServers)
	cfg.WaveformWidth = envInt("STEMDECK_WAVEFORM_WIDTH", cfg.WaveformWidth)
	cfg.WaveformHeight = envInt("STEMDECK_WAVEFORM_HEIGHT", cfg.WaveformHeight)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	switch c.SeparationMode {
	case SeparationRemote, SeparationLocal:
	default:
		return fmt.Errorf("separation mode %q: want %q or %q", c.SeparationMode, SeparationRemote, SeparationLocal)
	}
	if c.MinBPM <= 0 || c.MaxBPM <= c.MinBPM {
		return fmt.Errorf("bpm range %g-%g is empty", c.MinBPM, c.MaxBPM)
	}
	if c.AnalysisSampleRate <= 0 {
		return fmt.Errorf("analysis sample rate %d", c.AnalysisSampleRate)
	}
	return nil
}

// ICEServerList splits ICEServers.
func (c Config) ICEServerList() []string {
	var out []string
	for _, s := range strings.Split(c.ICEServers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration accepts Go durations ("30s") or plain seconds ("30").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
