// Package config loads ocrbatch settings from defaults, an optional YAML file,
// a .env file and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Backend names.
const (
	BackendSQLite    = "sqlite"
	BackendPostgres  = "postgres"
	BackendSurrealDB = "surrealdb"
	BackendMemory    = "memory"
)

// Worker models, mirrored from the dispatcher so config stays a leaf package.
const (
	WorkerModelThreaded    = "threaded"
	WorkerModelProcessPool = "process-pool"
)

// DefaultExtensions are the image suffixes discovery registers.
var DefaultExtensions = []string{".jpg", ".jpeg", ".tif", ".tiff", ".png", ".bmp", ".webp"}

// Config holds all configuration values.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Engine     EngineConfig     `yaml:"engine"`
	Preprocess PreprocessConfig `yaml:"preprocess"`
	Cache      CacheConfig      `yaml:"cache"`
	Output     OutputConfig     `yaml:"output"`
	Progress   ProgressConfig   `yaml:"progress"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig selects and configures the checkpoint backend.
type StoreConfig struct {
	Backend     string          `yaml:"backend"` // sqlite, postgres, surrealdb or memory
	SQLitePath  string          `yaml:"sqlite_path"`
	PostgresDSN string          `yaml:"postgres_dsn"`
	SurrealDB   SurrealDBConfig `yaml:"surrealdb"`
}

// SurrealDBConfig holds the SurrealDB connection.
type SurrealDBConfig struct {
	URL       string `yaml:"url"`
	Namespace string `yaml:"namespace"`
	Database  string `yaml:"database"`
	User      string `yaml:"user"`
	Pass      string `yaml:"pass"`
	AuthLevel string `yaml:"auth_level"`
}

// CorpusConfig describes where files come from.
type CorpusConfig struct {
	Root       string   `yaml:"root"`
	Extensions []string `yaml:"extensions"`
}

// DispatchConfig controls the dispatcher.
type DispatchConfig struct {
	BatchSize     int    `yaml:"batch_size"`
	MaxWorkers    int    `yaml:"max_workers"`
	MaxAttempts   int    `yaml:"max_attempts"`
	WorkerModel   string `yaml:"worker_model"`
	MaxFiles      int    `yaml:"max_files"`
	MinTextLength int    `yaml:"min_text_length"`
	QualityGate   bool   `yaml:"quality_gate"`
	Sweep         bool   `yaml:"sweep"`
}

// EngineConfig selects the OCR engine.
type EngineConfig struct {
	Name      string          `yaml:"name"`
	Tesseract TesseractConfig `yaml:"tesseract"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

type TesseractConfig struct {
	Binary string `yaml:"binary"`
	Lang   string `yaml:"lang"`
}

type BedrockConfig struct {
	Region string `yaml:"region"`
	Model  string `yaml:"model"`
}

type OllamaConfig struct {
	Host  string `yaml:"host"`
	Model string `yaml:"model"`
}

// PreprocessConfig controls image normalisation before recognition.
type PreprocessConfig struct {
	MaxDimension int     `yaml:"max_dimension"`
	Contrast     float64 `yaml:"contrast"`
}

// CacheConfig controls the preprocessing cache.
type CacheConfig struct {
	Size          int           `yaml:"size"`
	RedisAddr     string        `yaml:"redis_addr"` // empty disables the shared tier
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// OutputConfig selects where extracted text goes. An S3 bucket wins over Dir.
type OutputConfig struct {
	Dir      string `yaml:"dir"` // empty writes sidecar files next to the inputs
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
	S3Region string `yaml:"s3_region"`
}

type ProgressConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:    BackendSQLite,
			SQLitePath: "ocr_progress.db",
			SurrealDB: SurrealDBConfig{
				URL:       "ws://localhost:8000/rpc",
				Namespace: "ocrbatch",
				Database:  "checkpoint",
				User:      "root",
				Pass:      "root",
				AuthLevel: "root",
			},
		},
		Corpus: CorpusConfig{Extensions: slices.Clone(DefaultExtensions)},
		Dispatch: DispatchConfig{
			BatchSize:     100,
			MaxWorkers:    2,
			MaxAttempts:   3,
			WorkerModel:   WorkerModelThreaded,
			MinTextLength: 1,
			Sweep:         true,
		},
		Engine: EngineConfig{
			Name:      "tesseract",
			Tesseract: TesseractConfig{Binary: "tesseract", Lang: "eng"},
			Bedrock:   BedrockConfig{Model: "anthropic.claude-3-haiku-20240307-v1:0"},
			Ollama:    OllamaConfig{Host: "http://localhost:11434", Model: "llava"},
		},
		Preprocess: PreprocessConfig{MaxDimension: 1024, Contrast: 1.2},
		Cache:      CacheConfig{Size: 128, TTL: 24 * time.Hour},
		Progress:   ProgressConfig{Interval: 30 * time.Second},
		Log:        LogConfig{File: "/tmp/ocrbatch.log", Level: "INFO"},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, OCRBATCH_CONFIG is consulted. Variables from .env never override
// ones already set in the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	// Missing .env is normal
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("OCRBATCH_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// applyEnv overrides fields from environment variables.
func applyEnv(cfg *Config) {
	s := &cfg.Store
	s.Backend = getEnv("OCRBATCH_STORE", s.Backend)
	s.SQLitePath = getEnv("OCRBATCH_SQLITE_PATH", s.SQLitePath)
	s.PostgresDSN = getEnv("OCRBATCH_POSTGRES_DSN", getEnv("DATABASE_URL", s.PostgresDSN))
	s.SurrealDB.URL = getEnv("SURREALDB_URL", s.SurrealDB.URL)
	s.SurrealDB.Namespace = getEnv("SURREALDB_NAMESPACE", s.SurrealDB.Namespace)
	s.SurrealDB.Database = getEnv("SURREALDB_DATABASE", s.SurrealDB.Database)
	s.SurrealDB.User = getEnv("SURREALDB_USER", s.SurrealDB.User)
	s.SurrealDB.Pass = getEnv("SURREALDB_PASS", s.SurrealDB.Pass)
	s.SurrealDB.AuthLevel = getEnv("SURREALDB_AUTH_LEVEL", s.SurrealDB.AuthLevel)

	cfg.Corpus.Root = getEnv("OCRBATCH_ROOT", cfg.Corpus.Root)
	if v := getEnv("OCRBATCH_EXTENSIONS", ""); v != "" {
		cfg.Corpus.Extensions = splitList(v)
	}

	d := &cfg.Dispatch
	d.BatchSize = getEnvInt("OCRBATCH_BATCH_SIZE", d.BatchSize)
	d.MaxWorkers = getEnvInt("OCRBATCH_MAX_WORKERS", d.MaxWorkers)
	d.MaxAttempts = getEnvInt("OCRBATCH_MAX_ATTEMPTS", d.MaxAttempts)
	d.WorkerModel = getEnv("OCRBATCH_WORKER_MODEL", d.WorkerModel)
	d.MaxFiles = getEnvInt("OCRBATCH_MAX_FILES", d.MaxFiles)
	d.MinTextLength = getEnvInt("OCRBATCH_MIN_TEXT_LENGTH", d.MinTextLength)
	d.QualityGate = getEnvBool("OCRBATCH_QUALITY_GATE", d.QualityGate)
	d.Sweep = getEnvBool("OCRBATCH_SWEEP", d.Sweep)

	e := &cfg.Engine
	e.Name = getEnv("OCRBATCH_ENGINE", e.Name)
	e.Tesseract.Binary = getEnv("TESSERACT_BINARY", e.Tesseract.Binary)
	e.Tesseract.Lang = getEnv("TESSERACT_LANG", e.Tesseract.Lang)
	e.Bedrock.Region = getEnv("AWS_REGION", e.Bedrock.Region)
	e.Bedrock.Model = getEnv("OCRBATCH_BEDROCK_MODEL", e.Bedrock.Model)
	e.Ollama.Host = getEnv("OLLAMA_HOST", e.Ollama.Host)
	e.Ollama.Model = getEnv("OCRBATCH_OLLAMA_MODEL", e.Ollama.Model)

	cfg.Preprocess.MaxDimension = getEnvInt("OCRBATCH_MAX_DIMENSION", cfg.Preprocess.MaxDimension)
	cfg.Preprocess.Contrast = getEnvFloat("OCRBATCH_CONTRAST", cfg.Preprocess.Contrast)

	c := &cfg.Cache
	c.Size = getEnvInt("OCRBATCH_CACHE_SIZE", c.Size)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.TTL = getEnvDuration("OCRBATCH_CACHE_TTL", c.TTL)

	o := &cfg.Output
	o.Dir = getEnv("OCRBATCH_OUTPUT_DIR", o.Dir)
	o.S3Bucket = getEnv("OCRBATCH_S3_BUCKET", o.S3Bucket)
	o.S3Prefix = getEnv("OCRBATCH_S3_PREFIX", o.S3Prefix)
	o.S3Region = getEnv("AWS_REGION", o.S3Region)

	cfg.Progress.Interval = getEnvDuration("OCRBATCH_PROGRESS_INTERVAL", cfg.Progress.Interval)

	cfg.Log.File = getEnv("OCRBATCH_LOG_FILE", cfg.Log.File)
	cfg.Log.Level = getEnv("OCRBATCH_LOG_LEVEL", cfg.Log.Level)
}

// Validate reports settings that must stop the program before any work starts.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite backend needs sqlite_path"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres backend needs postgres_dsn"))
		}
	case BackendSurrealDB:
		if c.Store.SurrealDB.URL == "" {
			errs = append(errs, errors.New("surrealdb backend needs a url"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	d := c.Dispatch
	if d.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch_size must be positive, got %d", d.BatchSize))
	}
	if d.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", d.MaxWorkers))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", d.MaxAttempts))
	}
	if d.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("max_files must not be negative, got %d", d.MaxFiles))
	}
	if d.WorkerModel != WorkerModelThreaded && d.WorkerModel != WorkerModelProcessPool {
		errs = append(errs, fmt.Errorf("invalid worker_model %q (want %s or %s)",
			d.WorkerModel, WorkerModelThreaded, WorkerModelProcessPool))
	}

	if len(c.Corpus.Extensions) == 0 {
		errs = append(errs, errors.New("at least one corpus extension is required"))
	}
	if c.Preprocess.MaxDimension < 1 {
		errs = append(errs, fmt.Errorf("max_dimension must be positive, got %d", c.Preprocess.MaxDimension))
	}
	if c.Preprocess.Contrast <= 0 {
		errs = append(errs, fmt.Errorf("contrast must be positive, got %g", c.Preprocess.Contrast))
	}
	if c.Cache.Size < 1 {
		errs = append(errs, fmt.Errorf("cache size must be positive, got %d", c.Cache.Size))
	}

	return errors.Join(errs...)
}

// LogLevel returns the parsed log level.
func (c Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
		return defaultVal
	}
	return n
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
		return defaultVal
	}
	return f
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring non-boolean environment value", "key", key, "value", v)
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration environment value", "key", key, "value", v)
		return defaultVal
	}
	return d
}

func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
