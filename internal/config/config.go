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
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Speech      SpeechConfig     `yaml:"speech"`
	Audio       AudioConfig      `yaml:"audio"`
	Notify      NotifyConfig     `yaml:"notify"`
	Control     ControlConfig    `yaml:"control"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// SpeechConfig configures the recognition engine. Credentials are checked when
// the dictation manager is installed, not here.
type SpeechConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, websocket
	SubscriptionID  string `yaml:"subscription_id"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Locale          string `yaml:"locale"`
	Command         string `yaml:"command"`
	PartialEveryMS  int    `yaml:"partial_every_ms"`
	UtteranceMS     int    `yaml:"utterance_ms"`
	StartTimeoutMS  int    `yaml:"start_timeout_ms"`
	StopTimeoutMS   int    `yaml:"stop_timeout_ms"`
	ExecutorWorkers int    `yaml:"executor_workers"`
}

type AudioConfig struct {
	Device    string `yaml:"device"` // silence, exec, wav
	Command   string `yaml:"command"`
	Path      string `yaml:"path"`
	Realtime  bool   `yaml:"realtime"`
	BufferMS  int    `yaml:"buffer_ms"`
	RecordDir string `yaml:"record_dir"`
}

type NotifyConfig struct {
	SubjectPrefix string `yaml:"subject_prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	RedisTTLSec   int    `yaml:"redis_ttl_sec"`
}

type ControlConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-dictate",
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
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-dictation.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Speech: SpeechConfig{
			Mode:            "mock",
			Locale:          "en-US",
			PartialEveryMS:  800,
			UtteranceMS:     4000,
			StartTimeoutMS:  0,
			StopTimeoutMS:   5000,
			ExecutorWorkers: 4,
		},
		Audio: AudioConfig{
			Device:   "silence",
			Command:  "arecord -q -t raw -f S16_LE -r {rate} -c {channels}",
			Realtime: true,
			BufferMS: 100,
		},
		Notify: NotifyConfig{
			SubjectPrefix: "speech",
			RedisPrefix:   "loqa:dictation:",
			RedisTTLSec:   3600,
		},
		Control: ControlConfig{
			Enabled:       true,
			SubjectPrefix: "dictation.ctrl",
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Speech.Mode, "LOQA_SPEECH_MODE")
	overrideString(&cfg.Speech.SubscriptionID, "LOQA_SPEECH_SUBSCRIPTION_ID")
	overrideString(&cfg.Speech.Region, "LOQA_SPEECH_REGION")
	overrideString(&cfg.Speech.Endpoint, "LOQA_SPEECH_ENDPOINT")
	overrideString(&cfg.Speech.Locale, "LOQA_SPEECH_LOCALE")
	overrideString(&cfg.Speech.Command, "LOQA_SPEECH_COMMAND")
	overrideInt(&cfg.Speech.PartialEveryMS, "LOQA_SPEECH_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Speech.UtteranceMS, "LOQA_SPEECH_UTTERANCE_MS")
	overrideInt(&cfg.Speech.StartTimeoutMS, "LOQA_SPEECH_START_TIMEOUT_MS")
	overrideInt(&cfg.Speech.StopTimeoutMS, "LOQA_SPEECH_STOP_TIMEOUT_MS")
	overrideInt(&cfg.Speech.ExecutorWorkers, "LOQA_SPEECH_EXECUTOR_WORKERS")
	overrideString(&cfg.Audio.Device, "LOQA_AUDIO_DEVICE")
	overrideString(&cfg.Audio.Command, "LOQA_AUDIO_COMMAND")
	overrideString(&cfg.Audio.Path, "LOQA_AUDIO_PATH")
	overrideBool(&cfg.Audio.Realtime, "LOQA_AUDIO_REALTIME")
	overrideInt(&cfg.Audio.BufferMS, "LOQA_AUDIO_BUFFER_MS")
	overrideString(&cfg.Audio.RecordDir, "LOQA_AUDIO_RECORD_DIR")
	overrideString(&cfg.Notify.SubjectPrefix, "LOQA_NOTIFY_SUBJECT_PREFIX")
	overrideString(&cfg.Notify.RedisAddr, "LOQA_NOTIFY_REDIS_ADDR")
	overrideString(&cfg.Notify.RedisPassword, "LOQA_NOTIFY_REDIS_PASSWORD")
	overrideInt(&cfg.Notify.RedisDB, "LOQA_NOTIFY_REDIS_DB")
	overrideString(&cfg.Notify.RedisPrefix, "LOQA_NOTIFY_REDIS_PREFIX")
	overrideInt(&cfg.Notify.RedisTTLSec, "LOQA_NOTIFY_REDIS_TTL_SEC")
	overrideBool(&cfg.Control.Enabled, "LOQA_CONTROL_ENABLED")
	overrideString(&cfg.Control.SubjectPrefix, "LOQA_CONTROL_SUBJECT_PREFIX")
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
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Speech.Mode {
	case "mock", "exec", "websocket":
	default:
		return errors.New("speech.mode must be one of mock|exec|websocket")
	}
	if cfg.Speech.Mode == "exec" && cfg.Speech.Command == "" {
		return errors.New("speech.command must be set when mode=exec")
	}
	if cfg.Speech.Mode == "websocket" && cfg.Speech.Endpoint == "" {
		return errors.New("speech.endpoint must be set when mode=websocket")
	}
	if cfg.Speech.Locale == "" {
		return errors.New("speech.locale must not be empty")
	}
	if cfg.Speech.StartTimeoutMS < 0 || cfg.Speech.StopTimeoutMS < 0 {
		return errors.New("speech start/stop timeouts must be >= 0")
	}
	if cfg.Speech.PartialEveryMS < 0 {
		return errors.New("speech.partial_every_ms must be >= 0")
	}
	if cfg.Speech.UtteranceMS <= 0 {
		return errors.New("speech.utterance_ms must be positive")
	}
	switch cfg.Audio.Device {
	case "silence":
	case "exec":
		if cfg.Audio.Command == "" {
			return errors.New("audio.command must be set when device=exec")
		}
	case "wav":
		if cfg.Audio.Path == "" {
			return errors.New("audio.path must be set when device=wav")
		}
	default:
		return errors.New("audio.device must be one of silence|exec|wav")
	}
	if cfg.Audio.BufferMS <= 0 {
		return errors.New("audio.buffer_ms must be positive")
	}
	if cfg.Control.Enabled && cfg.Control.SubjectPrefix == "" {
		return errors.New("control.subject_prefix must not be empty when control is enabled")
	}
	if cfg.Notify.SubjectPrefix == "" {
		return errors.New("notify.subject_prefix must not be empty")
	}
	return nil
}
