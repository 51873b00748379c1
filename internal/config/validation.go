package config

import (
	"fmt"
	"net"
	"strings"

	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/pkg/logger"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Role selects which sections must be valid: a worker never reads the
// builder section, a local run never reads the transport.
type Role string

const (
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
	RoleLocal   Role = "local"
)

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the sections used by role and returns any errors.
func (v *Validator) Validate(cfg *Config, role Role) error {
	v.errors = make(ValidationErrors, 0)

	v.validateLogging(&cfg.Logging)
	switch role {
	case RoleManager:
		v.validateManager(&cfg.Manager, cfg.Transport.Backend)
		v.validateTransport(&cfg.Transport)
		v.validateBuilder(cfg)
	case RoleWorker:
		v.validateWorker(cfg)
		v.validateTransport(&cfg.Transport)
	case RoleLocal:
		v.validateBuilder(cfg)
	default:
		v.addError("role", fmt.Sprintf("unknown role '%s'", role))
	}

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateManager(cfg *ManagerConfig, backend string) {
	if backend != transport.BackendQueue {
		if cfg.Address == "" {
			v.addError("manager.address", "address is required")
		} else if !isValidAddress(cfg.Address) {
			v.addError("manager.address", "invalid address format, expected host:port or :port")
		}
	}
	if cfg.NumChunks < 1 {
		v.addError("manager.num_chunks", "number of chunks must be positive")
	}
	if cfg.WorkerTimeout <= 0 {
		v.addError("manager.worker_timeout", "worker timeout must be positive")
	}
	if cfg.PollInterval <= 0 {
		v.addError("manager.poll_interval", "poll interval must be positive")
	}
	if cfg.PollInterval > 0 && cfg.WorkerTimeout > 0 && cfg.PollInterval >= cfg.WorkerTimeout {
		v.addError("manager.poll_interval", "poll interval should be less than worker timeout")
	}
}

func (v *Validator) validateWorker(cfg *Config) {
	w := &cfg.Worker
	if cfg.Transport.Backend != transport.BackendQueue {
		if w.ManagerAddress == "" {
			v.addError("worker.manager_address", "manager address is required")
		} else if !isValidAddress(w.ManagerAddress) && !strings.Contains(w.ManagerAddress, "://") {
			v.addError("worker.manager_address", "invalid manager address, expected host:port or URL")
		}
	}
	if w.HeartbeatInterval <= 0 {
		v.addError("worker.heartbeat_interval", "heartbeat interval must be positive")
	}
	if w.ReceiveTimeout <= 0 {
		v.addError("worker.receive_timeout", "receive timeout must be positive")
	}
	if w.NumWorkers < 0 {
		v.addError("worker.num_workers", "number of workers must be non-negative")
	}
}

func (v *Validator) validateTransport(cfg *transport.Options) {
	switch cfg.Backend {
	case transport.BackendSocket:
	case transport.BackendQueue:
		if cfg.Redis.Addr == "" {
			v.addError("transport.redis.addr", "redis address is required for the queue backend")
		}
		if cfg.QueuePrefix == "" {
			v.addError("transport.queue_prefix", "queue prefix is required")
		}
	case "":
		v.addError("transport.backend", "backend is required")
	default:
		v.addError("transport.backend", fmt.Sprintf("invalid backend '%s', must be one of: socket, queue", cfg.Backend))
	}
}

func (v *Validator) validateBuilder(cfg *Config) {
	b, err := cfg.BuilderConfig()
	if err != nil {
		v.addError("builder", err.Error())
		return
	}
	if err := b.Validate(); err != nil {
		v.addError("builder", err.Error())
	}
}

func (v *Validator) validateLogging(cfg *logger.Config) {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		v.addError("logging.level", fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", cfg.Level))
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format '%s', must be one of: json, console", cfg.Format))
	}

	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
	case "file", "both":
		if cfg.FilePath == "" {
			v.addError("logging.file_path", "file path is required for file output")
		}
	default:
		v.addError("logging.output", fmt.Sprintf("invalid log output '%s', must be one of: stdout, file, both", cfg.Output))
	}
}

// isValidAddress checks if the address is a valid host:port or :port.
func isValidAddress(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return false
	}
	if host == "" || net.ParseIP(host) != nil {
		return true
	}
	return isValidHostname(host)
}

// isValidHostname performs basic hostname validation.
func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if !isAlphanumeric(label[0]) || !isAlphanumeric(label[len(label)-1]) {
			return false
		}
		for _, c := range label {
			if !isAlphanumeric(byte(c)) && c != '-' {
				return false
			}
		}
	}
	return true
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Validate validates the configuration for role.
func (c *Config) Validate(role Role) error {
	return NewValidator().Validate(c, role)
}
