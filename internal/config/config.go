package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the main application configuration
type Config struct {
	ProjectPath string            `yaml:"project_path" json:"project_path"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Crawler     CrawlerConfig     `yaml:"crawler" json:"crawler"`
	Review      ReviewConfig      `yaml:"review" json:"review"`
	Calibration CalibrationConfig `yaml:"calibration" json:"calibration"`
	Pipeline    PipelineConfig    `yaml:"pipeline" json:"pipeline"`
	Breaker     BreakerConfig     `yaml:"breaker" json:"breaker"`
	AIProviders AIProviderConfig  `yaml:"ai_providers" json:"ai_providers"`
	Events      EventsConfig      `yaml:"events" json:"events"`
}

type ServerConfig struct {
	Port           int     `yaml:"port" json:"port"`
	RateLimit      float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst      int     `yaml:"rate_burst" json:"rate_burst"`
	AllowedOrigins string  `yaml:"allowed_origins" json:"allowed_origins"`
}

// StorageConfig selects the issue and knowledge backends. Backend "memory"
// keeps everything in process; "persistent" uses sqlite and chromem files
// under DataDir.
type StorageConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	DataDir       string `yaml:"data_dir" json:"data_dir"`
	IssueDBPath   string `yaml:"issue_db_path" json:"issue_db_path"`
	KnowledgePath string `yaml:"knowledge_path" json:"knowledge_path"`
}

type CrawlerConfig struct {
	Concurrency            int           `yaml:"concurrency" json:"concurrency"`
	Workers                int           `yaml:"workers" json:"workers"`
	Extensions             []string      `yaml:"extensions" json:"extensions"`
	MaxFileSize            int64         `yaml:"max_file_size" json:"max_file_size"`
	KnowledgeHintThreshold float64       `yaml:"knowledge_hint_threshold" json:"knowledge_hint_threshold"`
	ScanInterval           time.Duration `yaml:"scan_interval" json:"scan_interval"`
}

type ReviewConfig struct {
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" json:"auto_approve_threshold"`
	BatchPatternMinimum  int     `yaml:"batch_pattern_minimum" json:"batch_pattern_minimum"`
}

type CalibrationConfig struct {
	FullTrustSamples int `yaml:"full_trust_samples" json:"full_trust_samples"`
}

type PipelineConfig struct {
	MaxConcurrent      int           `yaml:"max_concurrent" json:"max_concurrent"`
	StageTimeout       time.Duration `yaml:"stage_timeout" json:"stage_timeout"`
	MonitorWindow      time.Duration `yaml:"monitor_window" json:"monitor_window"`
	PollInterval       time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MinConfidence      float64       `yaml:"min_confidence" json:"min_confidence"`
	TestCommand        string        `yaml:"test_command" json:"test_command"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	// AutoStart runs a pipeline as soon as an issue is approved
	AutoStart bool `yaml:"auto_start" json:"auto_start"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	Window           time.Duration `yaml:"window" json:"window"`
	Cooldown         time.Duration `yaml:"cooldown" json:"cooldown"`
}

// AIProviderConfig defines the configuration for the fix generator backends
type AIProviderConfig struct {
	Anthropic ProviderCredentials `yaml:"anthropic" json:"anthropic"`
	Gemini    ProviderCredentials `yaml:"gemini" json:"gemini"`
	Cerebras  ProviderCredentials `yaml:"cerebras" json:"cerebras"`
	Embedding ProviderCredentials `yaml:"embedding" json:"embedding"`

	FixProvider string `yaml:"fix_provider" json:"fix_provider"`
}

// ProviderCredentials represents credentials for an AI provider
type ProviderCredentials struct {
	APIKey   string `yaml:"api_key" json:"-"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Model    string `yaml:"model" json:"model"`
}

type EventsConfig struct {
	BufferSize   int      `yaml:"buffer_size" json:"buffer_size"`
	EnableKafka  bool     `yaml:"enable_kafka" json:"enable_kafka"`
	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" json:"kafka_topic"`
}

// Load loads configuration from environment variables, then applies the
// YAML file named by CODEHEAL_CONFIG if one is set.
func Load() (*Config, error) {
	cfg := &Config{
		ProjectPath: getEnv("PROJECT_PATH", "."),
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			RateLimit:      getEnvFloat("RATE_LIMIT_PER_SECOND", 20),
			RateBurst:      getEnvInt("RATE_LIMIT_BURST", 40),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", "*"),
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", "persistent"),
			DataDir:       getEnv("DATA_DIR", ".codeheal"),
			IssueDBPath:   getEnv("ISSUE_DB_PATH", ""),
			KnowledgePath: getEnv("KNOWLEDGE_PATH", ""),
		},
		Crawler: CrawlerConfig{
			Concurrency:            getEnvInt("CRAWL_CONCURRENCY", 10),
			Workers:                getEnvInt("CRAWL_WORKERS", 8),
			Extensions:             splitList(getEnv("CRAWL_EXTENSIONS", ".go,.js,.ts,.py,.java,.html")),
			MaxFileSize:            int64(getEnvInt("CRAWL_MAX_FILE_SIZE", 1<<20)),
			KnowledgeHintThreshold: getEnvFloat("KNOWLEDGE_HINT_THRESHOLD", 0.8),
			ScanInterval:           getEnvDuration("SCAN_INTERVAL", 0),
		},
		Review: ReviewConfig{
			AutoApproveThreshold: getEnvFloat("AUTO_APPROVE_THRESHOLD", 0.85),
			BatchPatternMinimum:  getEnvInt("BATCH_PATTERN_MINIMUM", 3),
		},
		Calibration: CalibrationConfig{
			FullTrustSamples: getEnvInt("CALIBRATION_FULL_TRUST_SAMPLES", 20),
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:      getEnvInt("PIPELINE_MAX_CONCURRENT", 4),
			StageTimeout:       getEnvDuration("PIPELINE_STAGE_TIMEOUT", 2*time.Minute),
			MonitorWindow:      getEnvDuration("PIPELINE_MONITOR_WINDOW", 30*time.Second),
			PollInterval:       getEnvDuration("PIPELINE_POLL_INTERVAL", 5*time.Second),
			MinConfidence:      getEnvFloat("PIPELINE_MIN_CONFIDENCE", 0.3),
			TestCommand:        getEnv("PIPELINE_TEST_COMMAND", ""),
			ErrorRateThreshold: getEnvFloat("PIPELINE_ERROR_RATE_THRESHOLD", 0.05),
			AutoStart:          getEnvBool("PIPELINE_AUTO_START", true),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			Window:           getEnvDuration("BREAKER_WINDOW", time.Minute),
			Cooldown:         getEnvDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		AIProviders: AIProviderConfig{
			Anthropic: ProviderCredentials{
				APIKey: getEnv("ANTHROPIC_API_KEY", ""),
				Model:  getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
			},
			Gemini: ProviderCredentials{
				APIKey: getEnv("GEMINI_API_KEY", ""),
				Model:  getEnv("GEMINI_MODEL", "gemini-1.5-pro"),
			},
			Cerebras: ProviderCredentials{
				APIKey: getEnv("CEREBRAS_API_KEY", ""),
				Model:  getEnv("CEREBRAS_MODEL", "llama-4-scout-17b-16e-instruct"),
			},
			Embedding: ProviderCredentials{
				APIKey:   getEnv("EMBEDDING_API_KEY", ""),
				Endpoint: getEnv("EMBEDDING_ENDPOINT", ""),
			},
			FixProvider: getEnv("FIX_PROVIDER", "anthropic"),
		},
		Events: EventsConfig{
			BufferSize:   getEnvInt("EVENT_BUFFER_SIZE", 256),
			EnableKafka:  getEnvBool("KAFKA_ENABLE", false),
			KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "codeheal-events"),
		},
	}

	if path := os.Getenv("CODEHEAL_CONFIG"); path != "" {
		if err := applyYAMLFile(cfg, path); err != nil {
			return nil, err
		}
	}
	cfg.fillPaths()

	return cfg, nil
}

func (c *Config) fillPaths() {
	if c.Storage.IssueDBPath == "" {
		c.Storage.IssueDBPath = c.Storage.DataDir + string(os.PathSeparator) + "issues.db"
	}
	if c.Storage.KnowledgePath == "" {
		c.Storage.KnowledgePath = c.Storage.DataDir + string(os.PathSeparator) + "knowledge"
	}
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv retrieves environment variable with fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves boolean environment variable with fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt retrieves integer environment variable with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// SettingsValidator defines the interface for validating settings
type SettingsValidator interface {
	Validate(settings *Config) error
}

// SettingsChangeListener defines the interface for listening to settings changes
type SettingsChangeListener interface {
	OnSettingsChanged(oldSettings, newSettings *Config)
}

// SettingsManager manages application settings with validation and persistence
type SettingsManager struct {
	settings   *Config
	validators []SettingsValidator
	listeners  []SettingsChangeListener
	mutex      sync.RWMutex
}

// DefaultSettingsValidator provides default validation for settings
type DefaultSettingsValidator struct{}

// Validate validates the configuration settings
func (v *DefaultSettingsValidator) Validate(settings *Config) error {
	if settings.ProjectPath == "" {
		return fmt.Errorf("project_path is required")
	}

	if settings.Crawler.Concurrency < 1 {
		return fmt.Errorf("crawler.concurrency must be at least 1")
	}

	if t := settings.Review.AutoApproveThreshold; t < 0 || t > 1 {
		return fmt.Errorf("review.auto_approve_threshold must be within [0,1]")
	}

	if settings.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}

	if settings.Pipeline.MonitorWindow <= 0 {
		return fmt.Errorf("pipeline.monitor_window must be positive")
	}

	validProviders := map[string]bool{
		"anthropic": true,
		"gemini":    true,
		"cerebras":  true,
		"none":      true,
	}
	if !validProviders[settings.AIProviders.FixProvider] {
		return fmt.Errorf("invalid fix_provider: %s", settings.AIProviders.FixProvider)
	}

	return nil
}

// NewSettingsManager creates a new settings manager seeded with cfg
func NewSettingsManager(cfg *Config) *SettingsManager {
	if cfg == nil {
		cfg = DefaultSettings()
	}
	return &SettingsManager{
		settings:   cfg,
		validators: []SettingsValidator{&DefaultSettingsValidator{}},
		listeners:  make([]SettingsChangeListener, 0),
	}
}

// DefaultSettings returns default configuration settings
func DefaultSettings() *Config {
	cfg := &Config{
		ProjectPath: ".",
		Server:      ServerConfig{Port: 8080, RateLimit: 20, RateBurst: 40, AllowedOrigins: "*"},
		Storage:     StorageConfig{Backend: "memory", DataDir: ".codeheal"},
		Crawler: CrawlerConfig{
			Concurrency:            10,
			Workers:                8,
			Extensions:             []string{".go", ".js", ".ts", ".py", ".java", ".html"},
			MaxFileSize:            1 << 20,
			KnowledgeHintThreshold: 0.8,
		},
		Review:      ReviewConfig{AutoApproveThreshold: 0.85, BatchPatternMinimum: 3},
		Calibration: CalibrationConfig{FullTrustSamples: 20},
		Pipeline: PipelineConfig{
			MaxConcurrent:      4,
			StageTimeout:       2 * time.Minute,
			MonitorWindow:      30 * time.Second,
			PollInterval:       5 * time.Second,
			MinConfidence:      0.3,
			ErrorRateThreshold: 0.05,
			AutoStart:          true,
		},
		Breaker:     BreakerConfig{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second},
		AIProviders: AIProviderConfig{FixProvider: "none"},
		Events:      EventsConfig{BufferSize: 256, KafkaTopic: "codeheal-events"},
	}
	cfg.fillPaths()
	return cfg
}

// GetSettings returns a copy of the current settings
func (sm *SettingsManager) GetSettings() *Config {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	// Deep copy through YAML so callers cannot mutate shared slices
	data, _ := yaml.Marshal(sm.settings)
	var copy Config
	yaml.Unmarshal(data, &copy)

	return &copy
}

// UpdateSettings updates the settings after validation
func (sm *SettingsManager) UpdateSettings(newSettings *Config) error {
	sm.mutex.Lock()

	for _, validator := range sm.validators {
		if err := validator.Validate(newSettings); err != nil {
			sm.mutex.Unlock()
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	oldSettings := sm.settings
	sm.settings = newSettings
	listeners := append([]SettingsChangeListener(nil), sm.listeners...)
	sm.mutex.Unlock()

	for _, listener := range listeners {
		listener.OnSettingsChanged(oldSettings, newSettings)
	}

	return nil
}

// AddValidator adds a settings validator
func (sm *SettingsManager) AddValidator(validator SettingsValidator) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.validators = append(sm.validators, validator)
}

// AddChangeListener adds a settings change listener
func (sm *SettingsManager) AddChangeListener(listener SettingsChangeListener) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.listeners = append(sm.listeners, listener)
}

// SaveToFile saves the current settings as YAML
func (sm *SettingsManager) SaveToFile(filename string) error {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	data, err := yaml.Marshal(sm.settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// LoadFromFile loads YAML settings on top of the defaults
func (sm *SettingsManager) LoadFromFile(filename string) error {
	newSettings := DefaultSettings()
	if err := applyYAMLFile(newSettings, filename); err != nil {
		return err
	}

	for _, validator := range sm.validators {
		if err := validator.Validate(newSettings); err != nil {
			return fmt.Errorf("loaded settings validation failed: %w", err)
		}
	}

	sm.mutex.Lock()
	oldSettings := sm.settings
	sm.settings = newSettings
	listeners := append([]SettingsChangeListener(nil), sm.listeners...)
	sm.mutex.Unlock()

	for _, listener := range listeners {
		listener.OnSettingsChanged(oldSettings, newSettings)
	}

	return nil
}
