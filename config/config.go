package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

type Config struct {
	Backend  string
	RedisURL string
	DataDir  string

	QueuePrefix string
	QueueName   string

	PollTimeout              time.Duration
	ProcessTimeout           time.Duration
	TerminalWriteRetries     int
	ExitOnPersistenceFailure bool

	HealthAddr string
	WorkerID   string
	LogLevel   string

	ProbeVideos   bool
	ModelURL      string
	AnalysisSteps int
}

func Load() (*Config, error) {
	pollTimeout, err := time.ParseDuration(getEnv("POLL_TIMEOUT", "5s"))
	if err != nil {
		return nil, fmt.Errorf("invalid POLL_TIMEOUT: %w", err)
	}
	if pollTimeout <= 0 {
		return nil, errors.New("invalid POLL_TIMEOUT: must be positive")
	}

	processTimeout, err := time.ParseDuration(getEnv("PROCESS_TIMEOUT", "0s"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROCESS_TIMEOUT: %w", err)
	}
	if processTimeout < 0 {
		return nil, errors.New("invalid PROCESS_TIMEOUT: must not be negative")
	}

	retries, err := strconv.Atoi(getEnv("TERMINAL_WRITE_RETRIES", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid TERMINAL_WRITE_RETRIES: %w", err)
	}
	if retries < 0 {
		return nil, errors.New("invalid TERMINAL_WRITE_RETRIES: must not be negative")
	}

	exitOnPersistence, err := strconv.ParseBool(getEnv("EXIT_ON_PERSISTENCE_FAILURE", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXIT_ON_PERSISTENCE_FAILURE: %w", err)
	}

	probeVideos, err := strconv.ParseBool(getEnv("PROBE_VIDEOS", "false"))
	if err != nil {
		return nil, fmt.Errorf("invalid PROBE_VIDEOS: %w", err)
	}

	steps, err := strconv.Atoi(getEnv("ANALYSIS_STEPS", "10"))
	if err != nil {
		return nil, fmt.Errorf("invalid ANALYSIS_STEPS: %w", err)
	}
	if steps < 1 {
		return nil, errors.New("invalid ANALYSIS_STEPS: must be at least 1")
	}

	backend := strings.ToLower(getEnv("QUEUE_BACKEND", BackendRedis))
	if backend != BackendRedis && backend != BackendSQLite {
		return nil, fmt.Errorf("invalid QUEUE_BACKEND %q: want %s or %s", backend, BackendRedis, BackendSQLite)
	}

	queueName := getEnv("QUEUE_NAME", "video-analysis")
	if strings.Contains(queueName, ":") {
		return nil, fmt.Errorf("invalid QUEUE_NAME %q: must not contain ':'", queueName)
	}

	return &Config{
		Backend:                  backend,
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		DataDir:                  getEnv("DATA_DIR", "/data"),
		QueuePrefix:              getEnv("QUEUE_PREFIX", "bull"),
		QueueName:                queueName,
		PollTimeout:              pollTimeout,
		ProcessTimeout:           processTimeout,
		TerminalWriteRetries:     retries,
		ExitOnPersistenceFailure: exitOnPersistence,
		HealthAddr:               getEnv("HEALTH_ADDR", ":8081"),
		WorkerID:                 getEnv("WORKER_ID", defaultWorkerID()),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		ProbeVideos:              probeVideos,
		ModelURL:                 os.Getenv("MODEL_URL"),
		AnalysisSteps:            steps,
	}, nil
}

// defaultWorkerID is hostname-<short uuid>, so replicas on one host differ.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
