package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// EngineConfig selects and parameterizes the synthesis engine backing live
// sessions and export passes.
type EngineConfig struct {
	Mode            string  `yaml:"mode"` // mock, exec
	Command         string  `yaml:"command"`
	DefaultVoice    string  `yaml:"default_voice"`
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	ChunkDurationMS int     `yaml:"chunk_duration_ms"`
	DefaultRate     float64 `yaml:"default_rate"`
}

// VoiceEntry describes one voice in a static catalog.
type VoiceEntry struct {
	ID           string   `yaml:"id"`
	Language     string   `yaml:"language"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Category     string   `yaml:"category"`
	Capabilities []string `yaml:"capabilities"`
}

type CatalogConfig struct {
	Mode            string       `yaml:"mode"` // static, sqlite
	Path            string       `yaml:"path"`
	DefaultLanguage string       `yaml:"default_language"`
	CuratedPrefix   string       `yaml:"curated_identifier_prefix"`
	PersonalVoice   string       `yaml:"personal_voice"` // authorized, denied, unsupported, not_determined
	Voices          []VoiceEntry `yaml:"voices"`
}

type ExportConfig struct {
	Directory string `yaml:"directory"`
}

type SessionConfig struct {
	SpeakTimeoutMS  int `yaml:"speak_timeout_ms"`
	ExportTimeoutMS int `yaml:"export_timeout_ms"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Engine      EngineConfig    `yaml:"engine"`
	Catalog     CatalogConfig   `yaml:"catalog"`
	Export      ExportConfig    `yaml:"export"`
	Session     SessionConfig   `yaml:"session"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Engine: EngineConfig{
			Mode:            "mock",
			DefaultVoice:    "default",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 200,
			DefaultRate:     1.0,
		},
		Catalog: CatalogConfig{
			Mode:            "static",
			DefaultLanguage: "en-US",
			CuratedPrefix:   "curated.",
			PersonalVoice:   "unsupported",
		},
		Export: ExportConfig{
			Directory: "./data/export",
		},
		Session: SessionConfig{
			SpeakTimeoutMS:  60000,
			ExportTimeoutMS: 120000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOXD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOXD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "VOXD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "VOXD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "VOXD_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOXD_ENGINE_COMMAND")
	overrideString(&cfg.Engine.DefaultVoice, "VOXD_ENGINE_DEFAULT_VOICE")
	overrideInt(&cfg.Engine.SampleRate, "VOXD_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "VOXD_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.ChunkDurationMS, "VOXD_ENGINE_CHUNK_DURATION_MS")
	overrideFloat(&cfg.Engine.DefaultRate, "VOXD_ENGINE_DEFAULT_RATE")
	overrideString(&cfg.Catalog.Mode, "VOXD_CATALOG_MODE")
	overrideString(&cfg.Catalog.Path, "VOXD_CATALOG_PATH")
	overrideString(&cfg.Catalog.DefaultLanguage, "VOXD_CATALOG_DEFAULT_LANGUAGE")
	overrideString(&cfg.Catalog.CuratedPrefix, "VOXD_CATALOG_CURATED_PREFIX")
	overrideString(&cfg.Catalog.PersonalVoice, "VOXD_CATALOG_PERSONAL_VOICE")
	overrideString(&cfg.Export.Directory, "VOXD_EXPORT_DIRECTORY")
	overrideInt(&cfg.Session.SpeakTimeoutMS, "VOXD_SESSION_SPEAK_TIMEOUT_MS")
	overrideInt(&cfg.Session.ExportTimeoutMS, "VOXD_SESSION_EXPORT_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Engine.SampleRate <= 0 {
		return errors.New("engine.sample_rate must be positive")
	}
	if cfg.Engine.Channels <= 0 {
		return errors.New("engine.channels must be positive")
	}
	if cfg.Engine.DefaultRate <= 0 {
		return errors.New("engine.default_rate must be positive")
	}
	switch cfg.Catalog.Mode {
	case "static", "sqlite":
	default:
		return errors.New("catalog.mode must be one of static|sqlite")
	}
	if cfg.Catalog.Mode == "sqlite" && cfg.Catalog.Path == "" {
		return errors.New("catalog.path must be set when mode=sqlite")
	}
	if cfg.Catalog.DefaultLanguage == "" {
		return errors.New("catalog.default_language must not be empty")
	}
	switch cfg.Catalog.PersonalVoice {
	case "authorized", "denied", "unsupported", "not_determined":
	default:
		return errors.New("catalog.personal_voice must be one of authorized|denied|unsupported|not_determined")
	}
	if cfg.Export.Directory == "" {
		return errors.New("export.directory must not be empty")
	}
	if cfg.Session.SpeakTimeoutMS <= 0 {
		return errors.New("session.speak_timeout_ms must be positive")
	}
	if cfg.Session.ExportTimeoutMS <= 0 {
		return errors.New("session.export_timeout_ms must be positive")
	}
	return nil
}
