package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// What cleanup does with a duplicate once its data is merged
const (
	DeletePolicyMark   = "mark"
	DeletePolicyDelete = "delete"
)

type Config struct {
	Store     StoreConfig
	Scheduler SchedulerConfig
	S3        S3Config
	Dedup     DedupConfig
	LogFile   string
	LogLevel  string
}

type StoreConfig struct {
	Backend     string
	DBPath      string
	DatabaseURL string
}

type SchedulerConfig struct {
	CleanupCron    string
	CleanupMerge   bool
	RescanInterval time.Duration
	RescanBatch    int
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// DedupConfig tunes the duplicate checks and the cleanup pass
type DedupConfig struct {
	Weights                    FieldWeights `yaml:"weights"`
	FuzzyMatchThreshold        float64      `yaml:"fuzzy_match_threshold"`
	ContentSimilarityThreshold float64      `yaml:"content_similarity_threshold"`
	MaxCandidates              int          `yaml:"max_candidates"`
	DeletePolicy               string       `yaml:"delete_policy"`
}

// FieldWeights are the per-field weights of the fuzzy score
type FieldWeights struct {
	Title   float64 `yaml:"title"`
	Price   float64 `yaml:"price"`
	Size    float64 `yaml:"size"`
	Rooms   float64 `yaml:"rooms"`
	Address float64 `yaml:"address"`
}

// Total is the sum of all weights
func (w FieldWeights) Total() float64 {
	return w.Title + w.Price + w.Size + w.Rooms + w.Address
}

func DefaultDedupConfig() DedupConfig {
	return DedupConfig{
		Weights: FieldWeights{
			Title:   0.30,
			Price:   0.25,
			Size:    0.20,
			Rooms:   0.10,
			Address: 0.15,
		},
		FuzzyMatchThreshold:        0.80,
		ContentSimilarityThreshold: 0.90,
		MaxCandidates:              500,
		DeletePolicy:               DeletePolicyMark,
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Store: StoreConfig{
			Backend:     getEnv("DB_BACKEND", BackendSQLite),
			DBPath:      getEnv("DB_PATH", "listings.db"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Scheduler: SchedulerConfig{
			CleanupCron:  os.Getenv("CLEANUP_CRON"),
			CleanupMerge: getEnv("CLEANUP_MERGE", "true") == "true",
			RescanBatch:  getEnvInt("RESCAN_BATCH", 200),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			Prefix:          os.Getenv("S3_PREFIX"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		LogFile:  getEnv("LOG_FILE", "aptscout.log"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if interval := os.Getenv("RESCAN_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err == nil {
			cfg.Scheduler.RescanInterval = d
		}
	}

	dedup, err := LoadDedupConfig(getEnv("DEDUP_CONFIG", "config/dedup.yaml"))
	if err != nil {
		return nil, err
	}
	dedup.FuzzyMatchThreshold = getEnvFloat("FUZZY_MATCH_THRESHOLD", dedup.FuzzyMatchThreshold)
	dedup.ContentSimilarityThreshold = getEnvFloat("CONTENT_SIMILARITY_THRESHOLD", dedup.ContentSimilarityThreshold)
	dedup.DeletePolicy = getEnv("DELETE_POLICY", dedup.DeletePolicy)
	if err := dedup.Validate(); err != nil {
		return nil, err
	}
	cfg.Dedup = dedup

	if cfg.Scheduler.RescanBatch <= 0 {
		return nil, fmt.Errorf("RESCAN_BATCH must be positive, got %d", cfg.Scheduler.RescanBatch)
	}

	switch cfg.Store.Backend {
	case BackendSQLite:
	case BackendPostgres:
		if cfg.Store.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the %s backend", BackendPostgres)
		}
	default:
		return nil, fmt.Errorf("unknown DB_BACKEND %q", cfg.Store.Backend)
	}

	return cfg, nil
}

// LoadDedupConfig overlays the YAML file at path onto the defaults.
// A missing file leaves the defaults untouched.
func LoadDedupConfig(path string) (DedupConfig, error) {
	cfg := DefaultDedupConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read dedup config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse dedup config %s: %w", path, err)
	}
	return cfg, nil
}

func (c DedupConfig) Validate() error {
	for name, t := range map[string]float64{
		"fuzzy_match_threshold":        c.FuzzyMatchThreshold,
		"content_similarity_threshold": c.ContentSimilarityThreshold,
	} {
		if t <= 0 || t > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, t)
		}
	}

	w := c.Weights
	if w.Title < 0 || w.Price < 0 || w.Size < 0 || w.Rooms < 0 || w.Address < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	if w.Total() <= 0 {
		return fmt.Errorf("weights must sum to a positive value")
	}

	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive, got %d", c.MaxCandidates)
	}

	switch c.DeletePolicy {
	case DeletePolicyMark, DeletePolicyDelete:
	default:
		return fmt.Errorf("unknown delete_policy %q", c.DeletePolicy)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
