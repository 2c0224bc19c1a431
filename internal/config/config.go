package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server     ServerConfig   `yaml:"server"`
	DB         DBConfig       `yaml:"db"`
	Log        LogConfig      `yaml:"log"`
	Auth       AuthConfig     `yaml:"auth"`
	MCP        MCPConfig      `yaml:"mcp"`
	Storage    StorageConfig  `yaml:"storage"`
	Speech     SpeechConfig   `yaml:"speech"`
	Services   ServicesConfig `yaml:"services"`
	Tools      ToolsConfig    `yaml:"tools"`
	Categories []string       `yaml:"categories"`
	Languages  []string       `yaml:"languages"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally reachable address the speech service
	// uses for audio downloads and result callbacks.
	BaseURL   string `yaml:"base_url"`
	MaxUpload int64  `yaml:"max_upload"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// User is the identity of every request when auth is disabled.
	User string `yaml:"user"`
}

// MCPConfig controls the operator endpoint.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // "http" or "stdio"
}

type StorageConfig struct {
	Root string `yaml:"root"`
}

type SpeechConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Paths    SpeechPaths   `yaml:"paths"`
	RetryMax int           `yaml:"retry_max"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SpeechPaths override the speech service endpoint paths.
type SpeechPaths struct {
	Login    string `yaml:"login"`
	Logout   string `yaml:"logout"`
	Logout2  string `yaml:"logout2"`
	Discover string `yaml:"discover"`
	Add      string `yaml:"add"`
	Delete   string `yaml:"delete"`
}

type ServicesConfig struct {
	DiarizeProject ProjectDiarizeConfig `yaml:"diarize_project"`
	Diarize        TaskServiceConfig    `yaml:"diarize"`
	Recognize      TaskServiceConfig    `yaml:"recognize"`
	Align          TaskServiceConfig    `yaml:"align"`
}

type ProjectDiarizeConfig struct {
	Name      string `yaml:"name"`
	Subsystem string `yaml:"subsystem"`
	SegmentNo int    `yaml:"segmentno"`
}

// TaskServiceConfig names a speech service and its subsystem per language.
type TaskServiceConfig struct {
	Name       string            `yaml:"name"`
	Subsystems map[string]string `yaml:"subsystems"`
}

// ToolsConfig locates the external audio and document tools.
type ToolsConfig struct {
	Soxi     string `yaml:"soxi"`
	Splitter string `yaml:"splitter"`
	Pandoc   string `yaml:"pandoc"`
	TempDir  string `yaml:"temp_dir"`
}

// Load reads configuration from an optional .env file, an optional YAML
// file and environment variables, in increasing precedence.
func Load() (Config, error) {
	envFile := os.Getenv("SCRIBE_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	cfg := Defaults()

	if path := os.Getenv("SCRIBE_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			MaxUpload: 2 << 30,
		},
		DB: DBConfig{
			Path: "scribe.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		MCP: MCPConfig{
			Mode: "http",
		},
		Speech: SpeechConfig{
			RetryMax: 3,
			Timeout:  30 * time.Second,
		},
		Services: ServicesConfig{
			DiarizeProject: ProjectDiarizeConfig{Name: "diarize", Subsystem: "default"},
			Diarize:        TaskServiceConfig{Name: "diarize"},
			Recognize:      TaskServiceConfig{Name: "recognize"},
			Align:          TaskServiceConfig{Name: "align"},
		},
		Tools: ToolsConfig{
			Soxi:     "soxi",
			Splitter: "mp3splt",
			Pandoc:   "pandoc",
		},
	}
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SCRIBE_SERVER_HOST":     &cfg.Server.Host,
		"SCRIBE_SERVER_BASE_URL": &cfg.Server.BaseURL,
		"SCRIBE_DB_PATH":         &cfg.DB.Path,
		"SCRIBE_LOG_LEVEL":       &cfg.Log.Level,
		"SCRIBE_LOG_PATH":        &cfg.Log.Path,
		"SCRIBE_STORAGE_ROOT":    &cfg.Storage.Root,
		"SCRIBE_SPEECH_URL":      &cfg.Speech.URL,
		"SCRIBE_SPEECH_USERNAME": &cfg.Speech.Username,
		"SCRIBE_SPEECH_PASSWORD": &cfg.Speech.Password,
		"SCRIBE_MCP_MODE":        &cfg.MCP.Mode,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if portStr := os.Getenv("SCRIBE_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid SCRIBE_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	bools := map[string]*bool{
		"SCRIBE_AUTH_ENABLED": &cfg.Auth.Enabled,
		"SCRIBE_MCP_ENABLED":  &cfg.MCP.Enabled,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = b
		}
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.BaseURL == "" {
		errs = append(errs, errors.New("server.base_url is required"))
	}
	if c.Storage.Root == "" {
		errs = append(errs, errors.New("storage.root is required"))
	}
	if c.Speech.URL == "" {
		errs = append(errs, errors.New("speech.url is required"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.MCP.Mode {
	case "http", "stdio":
	default:
		errs = append(errs, fmt.Errorf("mcp.mode %q is not one of http, stdio", c.MCP.Mode))
	}
	if !c.Auth.Enabled && c.Auth.User == "" {
		errs = append(errs, errors.New("auth.user is required when auth is disabled"))
	}
	return errors.Join(errs...)
}
