package config

import (
	"fmt"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Data file names inside a class directory. The shared data directory holds
// one subdirectory per class code; every grader process points at the same
// tree, which is what makes the lock directory a cross-process medium.
const (
	logsDirName  = "logs"
	dataDirName  = ".data"
	cacheDirName = ".cache"
	locksDirName = ".locks"

	studentsFileName  = "students.json"
	labsFileName      = "labs.json"
	sectionsFileName  = "class_sections.json"
	tasFileName       = "tas.json"
	gradebookFileName = "gradebook_master.csv"
	auditLogFileName  = "locks_log.csv"
)

// Config holds runtime configuration values for the grading assistant.
type Config struct {
	AppName   string
	AppEnv    string
	ClassCode string
	// SharedDataDir is the root shared between all graders of all classes.
	SharedDataDir string
	// GraderNetID identifies the operator in locks and audit records.
	GraderNetID string
	OutputDir   string

	DatabaseDriver string
	DatabaseDSN    string

	LockBackend string
	RedisURL    string

	// RecentLockGrades and RecentLockEmails are the recency-guard windows
	// for grading locks and email-only locks.
	RecentLockGrades time.Duration
	RecentLockEmails time.Duration

	PlatformBaseURL string
	RetryAttempts   int
	RetryBackoff    time.Duration

	DockerHost       string
	SandboxImage     string
	ExecutionTimeout time.Duration
	CodeRunMemoryMB  int
	CodeRunCPUShares int
}

// ClassDir returns the directory holding the current class's shared state.
func (c Config) ClassDir() string {
	return filepath.Join(c.SharedDataDir, c.ClassCode)
}

// LocksDir returns the shared lock-marker directory.
func (c Config) LocksDir() string {
	return filepath.Join(c.ClassDir(), locksDirName)
}

// LogsDir returns the shared log directory.
func (c Config) LogsDir() string {
	return filepath.Join(c.ClassDir(), logsDirName)
}

// DataDir returns the directory of persisted roster records.
func (c Config) DataDir() string {
	return filepath.Join(c.ClassDir(), dataDirName)
}

// CacheDir returns the per-class cache directory.
func (c Config) CacheDir() string {
	return filepath.Join(c.ClassDir(), cacheDirName)
}

// AuditLogPath returns the append-only lock audit log file.
func (c Config) AuditLogPath() string {
	return filepath.Join(c.LogsDir(), auditLogFileName)
}

// StudentsFile returns the persisted student roster records.
func (c Config) StudentsFile() string {
	return filepath.Join(c.DataDir(), studentsFileName)
}

// LabsFile returns the persisted lab records.
func (c Config) LabsFile() string {
	return filepath.Join(c.DataDir(), labsFileName)
}

// SectionsFile returns the persisted class-section records.
func (c Config) SectionsFile() string {
	return filepath.Join(c.DataDir(), sectionsFileName)
}

// TAsFile returns the persisted grader records.
func (c Config) TAsFile() string {
	return filepath.Join(c.DataDir(), tasFileName)
}

// GradebookFile returns the downloaded gradebook export the operator is
// expected to place in the class data directory.
func (c Config) GradebookFile() string {
	return filepath.Join(c.DataDir(), gradebookFileName)
}

// Load reads configuration values from environment variables and an
// optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("TAGRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "tagrader")
	v.SetDefault("app.env", "development")
	v.SetDefault("output.dir", ".")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("lock.backend", "file")
	v.SetDefault("recent.lock.grades", "10m")
	v.SetDefault("recent.lock.emails", "2m")
	v.SetDefault("platform.base.url", "https://zyserver.zybooks.com/v1")
	v.SetDefault("retry.attempts", 12)
	v.SetDefault("retry.backoff", "5s")
	v.SetDefault("sandbox.image", "gcc:13")
	v.SetDefault("execution_timeout_ms", 30000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)

	gradesWindow, err := time.ParseDuration(v.GetString("recent.lock.grades"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading recency window: %w", err)
	}
	emailsWindow, err := time.ParseDuration(v.GetString("recent.lock.emails"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid email recency window: %w", err)
	}
	backoff, err := time.ParseDuration(v.GetString("retry.backoff"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid retry backoff: %w", err)
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	cfg := Config{
		AppName:          v.GetString("app.name"),
		AppEnv:           v.GetString("app.env"),
		ClassCode:        v.GetString("class.code"),
		SharedDataDir:    v.GetString("shared.data.dir"),
		GraderNetID:      v.GetString("grader.netid"),
		OutputDir:        v.GetString("output.dir"),
		DatabaseDriver:   strings.ToLower(v.GetString("database.driver")),
		DatabaseDSN:      v.GetString("database.dsn"),
		LockBackend:      strings.ToLower(v.GetString("lock.backend")),
		RedisURL:         v.GetString("redis.url"),
		RecentLockGrades: gradesWindow,
		RecentLockEmails: emailsWindow,
		PlatformBaseURL:  v.GetString("platform.base.url"),
		RetryAttempts:    v.GetInt("retry.attempts"),
		RetryBackoff:     backoff,
		DockerHost:       v.GetString("docker_host"),
		SandboxImage:     v.GetString("sandbox.image"),
		ExecutionTimeout: time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:  v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares: v.GetInt("code_run_cpu_shares"),
	}

	if cfg.SharedDataDir == "" {
		return Config{}, fmt.Errorf("shared data dir must be provided")
	}
	if cfg.ClassCode == "" {
		return Config{}, fmt.Errorf("class code must be provided")
	}

	if cfg.GraderNetID == "" {
		current, err := user.Current()
		if err != nil {
			return Config{}, fmt.Errorf("grader netid not set and no OS user: %w", err)
		}
		cfg.GraderNetID = current.Username
	}

	if cfg.DatabaseDSN == "" && cfg.DatabaseDriver == "sqlite" {
		cfg.DatabaseDSN = filepath.Join(cfg.DataDir(), "roster.db")
	}

	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 12
	}
	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}
	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	return cfg, nil
}
