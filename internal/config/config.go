package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Result extractor names accepted in runtime definitions.
const (
	ExtractorLastJSON       = "last-json"
	ExtractorBlankLineBlock = "blank-line-block"
)

// RuntimeDefinition maps a lambda runtime name to the image that runs its
// handlers and the strategy used to pull a result out of the handler output.
type RuntimeDefinition struct {
	Name      string `yaml:"name"`
	Image     string `yaml:"image"`
	Extractor string `yaml:"extractor"`
}

// JobTemplate is a named container job that can be started through the local
// gRPC API without going through the queue.
type JobTemplate struct {
	Name            string            `yaml:"name"`
	JobType         string            `yaml:"job_type"`
	Container       string            `yaml:"container"`
	ExecutionParams map[string]any    `yaml:"execution_params"`
	Env             map[string]string `yaml:"env"`
}

type WorkerConfig struct {
	Runtimes []RuntimeDefinition `yaml:"runtimes"`
	Jobs     []JobTemplate       `yaml:"jobs"`
}

type Config struct {
	GRPCPort         string
	MetricsPort      string
	WorkerConfigFile string
	LogLevel         string
	LogJSON          bool
	Hostname         string

	GalloperURL string
	Token       string
	QueueURL    string
	QueueName   string
	ProjectID   string
	Region      string

	CPUCores          int
	PollInterval      time.Duration
	StopGrace         time.Duration
	LogTailLines      int
	CPUMultiplier     float64
	WorkDir           string
	MaxCallbackDepth  int
	ResultPostRetries int
	UnzipImage        string
	PostProcessImage  string
	OTELEndpoint      string

	Runtimes map[string]RuntimeDefinition
	Jobs     []JobTemplate
}

func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		GRPCPort:         getEnv("GRPC_PORT", "8123"),
		MetricsPort:      getEnv("METRICS_PORT", "9102"),
		WorkerConfigFile: getEnv("WORKER_CONFIG", "./interceptor.yaml"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogJSON:          getEnvBool("LOG_JSON", false),
		Hostname:         getEnv("HOSTNAME", hostname),

		GalloperURL: strings.TrimRight(getEnv("GALLOPER_URL", "http://localhost"), "/"),
		Token:       getEnv("TOKEN", ""),
		QueueURL:    getEnv("QUEUE_URL", ""),
		QueueName:   getEnv("QUEUE_NAME", "default"),
		ProjectID:   getEnv("PROJECT_ID", "interceptor"),
		Region:      getEnv("REGION", "local"),

		CPUCores:          getEnvInt("CPU_CORES", 2),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 10*time.Second),
		StopGrace:         getEnvDuration("STOP_GRACE", 5*time.Second),
		LogTailLines:      getEnvInt("LOG_TAIL_LINES", 100),
		CPUMultiplier:     getEnvFloat("CPU_MULTIPLIER", 1e9),
		WorkDir:           getEnv("WORK_DIR", os.TempDir()),
		MaxCallbackDepth:  getEnvInt("MAX_CALLBACK_DEPTH", 16),
		ResultPostRetries: getEnvInt("RESULT_POST_RETRIES", 5),
		UnzipImage:        getEnv("UNZIP_IMAGE", "busybox:latest"),
		PostProcessImage:  getEnv("POST_PROCESS_IMAGE", "getcarrier/performance_results_processing:beta-1.0"),
		OTELEndpoint:      getEnv("OTEL_ENDPOINT", ""),
	}

	if cfg.CPUCores < 1 {
		return nil, fmt.Errorf("CPU_CORES must be at least 1, got %d", cfg.CPUCores)
	}
	if cfg.CPUMultiplier <= 0 {
		return nil, fmt.Errorf("CPU_MULTIPLIER must be positive, got %v", cfg.CPUMultiplier)
	}

	wc, err := loadWorkerConfig(cfg.WorkerConfigFile)
	if err != nil {
		return nil, fmt.Errorf("loading worker config: %w", err)
	}

	cfg.Runtimes = DefaultRuntimes()
	for _, rt := range wc.Runtimes {
		if err := validateRuntime(rt); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.WorkerConfigFile, err)
		}
		cfg.Runtimes[rt.Name] = rt
	}
	cfg.Jobs = wc.Jobs

	return cfg, nil
}

// Runtime looks up the definition for a lambda runtime name.
func (c *Config) Runtime(name string) (RuntimeDefinition, bool) {
	rt, ok := c.Runtimes[name]
	return rt, ok
}

// DefaultRuntimes is the built-in lambda runtime table. Only the Python 3.7
// image prints its result as a trailing JSON object; the rest emit it as the
// second blank-line separated block.
func DefaultRuntimes() map[string]RuntimeDefinition {
	table := map[string]string{
		"Python 3.6":    "lambda:python3.6",
		"Python 3.7":    "lambda:python3.7",
		"Python 3.8":    "lambda:python3.8",
		"Node.js 10":    "lambda:nodejs10.x",
		"Node.js 12":    "lambda:nodejs12.x",
		"Java 8":        "lambda:java8",
		"Java 11":       "lambda:java11",
		"Go 1.x":        "lambda:go1.x",
		".NET Core 2.1": "lambda:dotnetcore2.1",
		"Ruby 2.7":      "lambda:ruby2.7",
	}

	runtimes := make(map[string]RuntimeDefinition, len(table))
	for name, image := range table {
		extractor := ExtractorBlankLineBlock
		if image == "lambda:python3.7" {
			extractor = ExtractorLastJSON
		}
		runtimes[name] = RuntimeDefinition{
			Name:      name,
			Image:     "lambci/" + image,
			Extractor: extractor,
		}
	}
	return runtimes
}

func validateRuntime(rt RuntimeDefinition) error {
	if rt.Name == "" || rt.Image == "" {
		return fmt.Errorf("runtime entries need both name and image")
	}
	switch rt.Extractor {
	case ExtractorLastJSON, ExtractorBlankLineBlock:
		return nil
	default:
		return fmt.Errorf("runtime %q: unknown extractor %q", rt.Name, rt.Extractor)
	}
}

func loadWorkerConfig(path string) (*WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Built-in runtimes are enough to run; jobs arrive over the queue
			return &WorkerConfig{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg WorkerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("10s") and bare integers as seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
