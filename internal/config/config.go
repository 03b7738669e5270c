package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/obiente/gowhisper/internal/logger"
)

type Config struct {
	Addr          string
	ModelPath     string
	TokenizerPath string
	Engine        string
	Backend       string
	Threads       int

	Language    string
	Task        string
	Timestamps  bool
	Temperature float64
	Seed        uint64

	WorkWindowSamples int
	ContextSamples    int

	OTelEndpoint   string
	OTelSampleRate float64

	Logging logger.Config
}

var defaults = map[string]any{
	"WHISPER_GO_ADDR":             ":8080",
	"WHISPER_MODEL_PATH":          "./models/tiny_en",
	"WHISPER_TOKENIZER_PATH":      "./models/tokenizer.json",
	"WHISPER_ENGINE":              "native",
	"WHISPER_BACKEND":             "parallel",
	"WHISPER_THREADS":             0,
	"WHISPER_LANGUAGE":            "en",
	"WHISPER_TASK":                "transcribe",
	"WHISPER_TIMESTAMPS":          false,
	"WHISPER_TEMPERATURE":         0.0,
	"WHISPER_SEED":                0,
	"WHISPER_WORK_WINDOW_SAMPLES": 8000,   // 0.5s at 16kHz
	"WHISPER_CONTEXT_SAMPLES":     480000, // 30s, one model window
	"OTEL_ENDPOINT":               "",
	"OTEL_SAMPLE_RATE":            1.0,
	"LOG_LEVEL":                   "info",
	"LOG_FORMAT":                  "console",
	"LOG_OUTPUT":                  "stderr",
}

// Load reads configuration from the environment, after loading an optional
// .env file from the working directory.
func Load() Config {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "[config] warning: failed to load .env: %v\n", err)
		}
	}
	return fromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()
	return v
}

func fromViper(v *viper.Viper) Config {
	threads := v.GetInt("WHISPER_THREADS")
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return Config{
		Addr:              v.GetString("WHISPER_GO_ADDR"),
		ModelPath:         v.GetString("WHISPER_MODEL_PATH"),
		TokenizerPath:     v.GetString("WHISPER_TOKENIZER_PATH"),
		Engine:            strings.ToLower(v.GetString("WHISPER_ENGINE")),
		Backend:           strings.ToLower(v.GetString("WHISPER_BACKEND")),
		Threads:           threads,
		Language:          v.GetString("WHISPER_LANGUAGE"),
		Task:              strings.ToLower(v.GetString("WHISPER_TASK")),
		Timestamps:        v.GetBool("WHISPER_TIMESTAMPS"),
		Temperature:       v.GetFloat64("WHISPER_TEMPERATURE"),
		Seed:              v.GetUint64("WHISPER_SEED"),
		WorkWindowSamples: v.GetInt("WHISPER_WORK_WINDOW_SAMPLES"),
		ContextSamples:    v.GetInt("WHISPER_CONTEXT_SAMPLES"),
		OTelEndpoint:      v.GetString("OTEL_ENDPOINT"),
		OTelSampleRate:    v.GetFloat64("OTEL_SAMPLE_RATE"),
		Logging: logger.Config{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Output: v.GetString("LOG_OUTPUT"),
		},
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Task {
	case "transcribe", "translate":
	default:
		return fmt.Errorf("WHISPER_TASK must be transcribe or translate (got: %s)", c.Task)
	}
	if c.Temperature < 0 {
		return fmt.Errorf("WHISPER_TEMPERATURE must be >= 0 (got: %g)", c.Temperature)
	}
	if c.WorkWindowSamples <= 0 || c.ContextSamples < c.WorkWindowSamples {
		return fmt.Errorf("WHISPER_CONTEXT_SAMPLES (%d) must be >= WHISPER_WORK_WINDOW_SAMPLES (%d) > 0",
			c.ContextSamples, c.WorkWindowSamples)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return nil
}
