package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/beflow/beflow/pkg/models"
)

// Settings is the explicit configuration value handed to the supervisor at
// construction. Loaded from the environment (BEFLOW_* variables, .env
// honored) with an optional YAML file underneath; the environment wins.
type Settings struct {
	// Worker pools.
	NFragmenterWorkers int `yaml:"n_fragmenter_workers"`
	NQCComputeWorkers  int `yaml:"n_qc_compute_workers"`
	NOptimizerWorkers  int `yaml:"n_optimizer_workers"`

	// QCComputeNCores of 0 means "auto": all CPUs. Fragmenter and optimizer
	// workers always use one core.
	QCComputeNCores int `yaml:"qc_compute_n_cores"`
	// QCComputeMaxMem is GiB per core; 0 means best effort.
	QCComputeMaxMem float64 `yaml:"qc_compute_max_mem"`

	// HTTP surface.
	Bind string `yaml:"bind"`

	// Storage and queue backends.
	StoreURL string `yaml:"store_url"`
	QueueURL string `yaml:"queue_url"`

	// Cache leases.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// Retry limits per routing key.
	FragmentRetries int `yaml:"fragment_retries"`
	QCRetries       int `yaml:"qc_retries"`
	OptimizeRetries int `yaml:"optimize_retries"`

	// Budgets.
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	StageTimeout   time.Duration `yaml:"stage_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	// External engine commands, one per routing key.
	FragmenterCommand []string `yaml:"fragmenter_command"`
	QCComputeCommand  []string `yaml:"qc_compute_command"`
	OptimizerCommand  []string `yaml:"optimizer_command"`

	KeepFiles bool `yaml:"keep_files"`
}

// Default returns the documented defaults.
func Default() Settings {
	return Settings{
		NFragmenterWorkers: 1,
		NQCComputeWorkers:  1,
		NOptimizerWorkers:  1,
		QCComputeNCores:    0, // auto
		Bind:               "127.0.0.1:15323",
		StoreURL:           "./bespoke-state",
		QueueURL:           "embedded",
		LeaseTTL:           5 * time.Minute,
		FragmentRetries:    0,
		QCRetries:          2,
		OptimizeRetries:    0,
		TaskTimeout:        time.Hour,
		StageTimeout:       24 * time.Hour,
		RequestTimeout:     60 * time.Second,
		ShutdownGrace:      30 * time.Second,
	}
}

// Load reads settings from an optional YAML file and the environment.
func Load(file string) (Settings, error) {
	// A .env file is optional; plain environment variables still apply.
	_ = godotenv.Load()

	settings := Default()

	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return settings, errors.Wrap(err, "read settings file")
		}
		if err := yaml.Unmarshal(raw, &settings); err != nil {
			return settings, errors.Wrap(err, "parse settings file")
		}
	}

	settings.NFragmenterWorkers = getEnvAsInt("BEFLOW_N_FRAGMENTER_WORKERS", settings.NFragmenterWorkers)
	settings.NQCComputeWorkers = getEnvAsInt("BEFLOW_N_QC_COMPUTE_WORKERS", settings.NQCComputeWorkers)
	settings.NOptimizerWorkers = getEnvAsInt("BEFLOW_N_OPTIMIZER_WORKERS", settings.NOptimizerWorkers)
	settings.QCComputeNCores = getEnvAsCores("BEFLOW_QC_COMPUTE_N_CORES", settings.QCComputeNCores)
	settings.QCComputeMaxMem = getEnvAsFloat("BEFLOW_QC_COMPUTE_MAX_MEM", settings.QCComputeMaxMem)
	settings.Bind = getEnv("BEFLOW_BIND", settings.Bind)
	settings.StoreURL = getEnv("BEFLOW_STORE_URL", settings.StoreURL)
	settings.QueueURL = getEnv("BEFLOW_QUEUE_URL", settings.QueueURL)
	settings.LeaseTTL = getEnvAsDuration("BEFLOW_LEASE_TTL", settings.LeaseTTL)
	settings.FragmentRetries = getEnvAsInt("BEFLOW_FRAGMENT_RETRIES", settings.FragmentRetries)
	settings.QCRetries = getEnvAsInt("BEFLOW_QC_RETRIES", settings.QCRetries)
	settings.OptimizeRetries = getEnvAsInt("BEFLOW_OPTIMIZE_RETRIES", settings.OptimizeRetries)
	settings.TaskTimeout = getEnvAsDuration("BEFLOW_TASK_TIMEOUT", settings.TaskTimeout)
	settings.StageTimeout = getEnvAsDuration("BEFLOW_STAGE_TIMEOUT", settings.StageTimeout)
	settings.RequestTimeout = getEnvAsDuration("BEFLOW_REQUEST_TIMEOUT", settings.RequestTimeout)
	settings.ShutdownGrace = getEnvAsDuration("BEFLOW_SHUTDOWN_GRACE", settings.ShutdownGrace)
	settings.KeepFiles = getEnvAsBool("BEFLOW_KEEP_FILES", settings.KeepFiles)
	settings.FragmenterCommand = getEnvAsCommand("BEFLOW_FRAGMENTER_CMD", settings.FragmenterCommand)
	settings.QCComputeCommand = getEnvAsCommand("BEFLOW_QC_COMPUTE_CMD", settings.QCComputeCommand)
	settings.OptimizerCommand = getEnvAsCommand("BEFLOW_OPTIMIZER_CMD", settings.OptimizerCommand)

	return settings, nil
}

// RetryLimits maps routing keys to their redelivery bound.
func (s Settings) RetryLimits() map[string]int {
	return map[string]int{
		models.FragmentRoutingKey: s.FragmentRetries,
		models.QCRoutingKey:       s.QCRetries,
		models.OptimizeRoutingKey: s.OptimizeRetries,
	}
}

// QCCores resolves the "auto" core budget for QC workers.
func (s Settings) QCCores() int {
	if s.QCComputeNCores <= 0 {
		return runtime.NumCPU()
	}
	return s.QCComputeNCores
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsCores treats "auto" (and 0) as all CPUs.
func getEnvAsCores(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "auto" {
		return 0
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsCommand(key string, fallback []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return strings.Fields(valueStr)
}
