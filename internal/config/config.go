// Package config loads build-engine settings from defaults, a YAML file,
// the environment and command-line overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/build-engine/internal/builder"
	"yqhp/build-engine/internal/manager"
	"yqhp/build-engine/internal/transport"
	"yqhp/build-engine/internal/worker"
	"yqhp/build-engine/pkg/logger"
)

// Config represents the complete configuration of a build-engine process.
type Config struct {
	Manager   ManagerConfig     `yaml:"manager"`
	Worker    worker.Config     `yaml:"worker"`
	Transport transport.Options `yaml:"transport"`
	Logging   logger.Config     `yaml:"logging"`
	// Builder is the free-form builder description sent to workers.
	Builder map[string]any `yaml:"builder"`
}

// ManagerConfig holds the manager's listen address and run settings.
type ManagerConfig struct {
	Address        string `yaml:"address" env:"BE_MANAGER_LISTEN"`
	manager.Config `yaml:",inline"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Address: ":7400",
			Config:  manager.DefaultConfig(),
		},
		Worker:    worker.DefaultConfig(),
		Transport: transport.DefaultOptions(),
		Logging:   *logger.DefaultConfig(),
		Builder:   map[string]any{},
	}
}

// BuilderConfig converts the builder section into a builder config.
func (c *Config) BuilderConfig() (*builder.Config, error) {
	if len(c.Builder) == 0 {
		return nil, fmt.Errorf("%w: builder section is empty", builder.ErrInvalidConfig)
	}
	cfg, err := builder.ConfigFromMap(c.Builder)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{cmdArgs: make(map[string]string)}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dot-path overrides such as "manager.num_chunks=8".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line overrides
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies env-tagged environment variables.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// setConfigValue sets a value by dot path. Paths below "builder." write
// into the free-form builder map, with the value parsed as YAML.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		want := strings.ReplaceAll(part, "_", "")
		field := v.FieldByNameFunc(func(name string) bool {
			return strings.EqualFold(name, want)
		})
		if !field.IsValid() {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if field.Kind() == reflect.Map && i < len(parts)-1 {
			return setMapValue(field, parts[i+1:], value)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func setMapValue(field reflect.Value, keys []string, value string) error {
	m, ok := field.Interface().(map[string]any)
	if !ok {
		return fmt.Errorf("不支持的 map 类型: %s", field.Type())
	}
	if m == nil {
		m = make(map[string]any)
		field.Set(reflect.ValueOf(m))
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return fmt.Errorf("无效的值 %q: %w", value, err)
	}

	for _, key := range keys[:len(keys)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[key] = next
		}
		m = next
	}
	m[keys[len(keys)-1]] = parsed
	return nil
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("不支持的切片类型: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
