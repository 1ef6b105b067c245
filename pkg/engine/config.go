package engine

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/danishberg/scraptraffic/pkg/frames"
	"github.com/danishberg/scraptraffic/pkg/turn"
	"github.com/danishberg/scraptraffic/pkg/vad"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "PHONEAGENT"

type Config struct {
	Environment       string              `mapstructure:"environment"`
	LogLevel          string              `mapstructure:"log_level"`
	LogFormat         string              `mapstructure:"log_format"`
	Audio             AudioConfig         `mapstructure:"audio"`
	VAD               VADConfig           `mapstructure:"vad"`
	Endpointing       EndpointingConfig   `mapstructure:"endpointing"`
	Turn              TurnConfig          `mapstructure:"turn"`
	Session           SessionConfig       `mapstructure:"session"`
	Captions          VendorConfig        `mapstructure:"captions"`
	Controls          ControlsConfig      `mapstructure:"controls"`
	Observability     ObservabilityConfig `mapstructure:"observability"`
	ShutdownTimeoutMS int                 `mapstructure:"shutdown_timeout_ms"`
}

type AudioConfig struct {
	SampleRate   int `mapstructure:"sample_rate"`
	FrameMS      int `mapstructure:"frame_ms"`
	InputDevice  int `mapstructure:"input_device"`
	OutputDevice int `mapstructure:"output_device"`
}

type VADConfig struct {
	Strategy              string  `mapstructure:"strategy"`
	Aggressiveness        int     `mapstructure:"aggressiveness"`
	CalibrateMS           int     `mapstructure:"calibrate_ms"`
	Multiplier            float64 `mapstructure:"multiplier"`
	Offset                float64 `mapstructure:"offset"`
	InitialThreshold      float64 `mapstructure:"initial_threshold"`
	RecalibrateIntervalMS int     `mapstructure:"recalibrate_interval_ms"`
}

type EndpointingConfig struct {
	StartSpeechMS  int  `mapstructure:"start_speech_ms"`
	EndSilenceMS   int  `mapstructure:"end_silence_ms"`
	MinUtteranceMS int  `mapstructure:"min_utterance_ms"`
	ReplayOnset    bool `mapstructure:"replay_onset"`
}

type TurnConfig struct {
	ReopenPolicy      string `mapstructure:"reopen_policy"`
	Greeting          bool   `mapstructure:"greeting"`
	EchoGuardMS       int    `mapstructure:"echo_guard_ms"`
	ResponseTimeoutMS int    `mapstructure:"response_timeout_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	Provider         string         `mapstructure:"provider"`
	ConnectAttempts  int            `mapstructure:"connect_attempts"`
	ConnectBackoffMS int            `mapstructure:"connect_backoff_ms"`
	Settings         map[string]any `mapstructure:"settings"`
}

type ControlsConfig struct {
	PushToTalk bool   `mapstructure:"push_to_talk"`
	Keyboard   bool   `mapstructure:"keyboard"`
	Debug      string `mapstructure:"debug"`
}

type ObservabilityConfig struct {
	MetricsJSONL      string `mapstructure:"metrics_jsonl"`
	TimelineDir       string `mapstructure:"timeline_dir"`
	TimelineRetention string `mapstructure:"timeline_retention"`
	RedactPII         bool   `mapstructure:"redact_pii"`
}

// Debug display modes.
const (
	DebugNone   = "none"
	DebugEnergy = "energy"
	DebugStatus = "status"
)

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"log-level":     "log_level",
	"input-device":  "audio.input_device",
	"output-device": "audio.output_device",
	"vad":           "vad.strategy",
	"push-to-talk":  "controls.push_to_talk",
	"debug":         "controls.debug",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("audio.sample_rate", frames.SampleRate16k)
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("audio.input_device", -1)
	v.SetDefault("audio.output_device", -1)
	v.SetDefault("vad.strategy", vad.StrategyEnergy)
	v.SetDefault("vad.aggressiveness", 3)
	v.SetDefault("vad.calibrate_ms", 1500)
	v.SetDefault("vad.multiplier", 4.0)
	v.SetDefault("vad.offset", 0.003)
	v.SetDefault("vad.initial_threshold", 0.0)
	v.SetDefault("vad.recalibrate_interval_ms", 60000)
	v.SetDefault("endpointing.start_speech_ms", 200)
	v.SetDefault("endpointing.end_silence_ms", 2000)
	v.SetDefault("endpointing.min_utterance_ms", 600)
	v.SetDefault("endpointing.replay_onset", true)
	v.SetDefault("turn.reopen_policy", string(turn.ReopenBoth))
	v.SetDefault("turn.greeting", true)
	v.SetDefault("turn.echo_guard_ms", 500)
	v.SetDefault("turn.response_timeout_ms", 90000)
	v.SetDefault("session.provider", "openai_realtime")
	v.SetDefault("session.connect_attempts", 3)
	v.SetDefault("session.connect_backoff_ms", 5000)
	v.SetDefault("captions.provider", "")
	v.SetDefault("controls.push_to_talk", false)
	v.SetDefault("controls.keyboard", true)
	v.SetDefault("controls.debug", DebugNone)
	v.SetDefault("observability.metrics_jsonl", "")
	v.SetDefault("observability.timeline_dir", "")
	v.SetDefault("observability.timeline_retention", "168h")
	v.SetDefault("observability.redact_pii", true)
	v.SetDefault("shutdown_timeout_ms", 5000)
}

// LoadConfig reads the YAML file at path (optional), applies PHONEAGENT_*
// environment overrides and the changed flags, expands ${VAR} references
// and validates the result.
func LoadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Audio.FrameMS {
	case 10, 20, 30:
	default:
		return fmt.Errorf("audio.frame_ms must be 10, 20 or 30, got %d", c.Audio.FrameMS)
	}
	if err := c.Format().Validate(); err != nil {
		return fmt.Errorf("audio: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(c.VAD.Strategy)) {
	case vad.StrategyEnergy:
	case vad.StrategyWebRTC:
		switch c.Audio.SampleRate {
		case 8000, 16000, 32000, 48000:
		default:
			return fmt.Errorf("vad.strategy webrtc needs an 8/16/32/48 kHz sample rate, got %d", c.Audio.SampleRate)
		}
		if c.VAD.Aggressiveness < 0 || c.VAD.Aggressiveness > 3 {
			return fmt.Errorf("vad.aggressiveness must be 0..3, got %d", c.VAD.Aggressiveness)
		}
	default:
		return fmt.Errorf("vad.strategy must be energy or webrtc, got %q", c.VAD.Strategy)
	}
	if c.VAD.Multiplier <= 0 {
		return fmt.Errorf("vad.multiplier must be positive")
	}
	if c.VAD.CalibrateMS <= 0 {
		return fmt.Errorf("vad.calibrate_ms must be positive")
	}
	if c.Endpointing.StartSpeechMS <= 0 || c.Endpointing.EndSilenceMS <= 0 {
		return fmt.Errorf("endpointing.start_speech_ms and end_silence_ms must be positive")
	}
	if c.Endpointing.MinUtteranceMS < 0 {
		return fmt.Errorf("endpointing.min_utterance_ms must not be negative")
	}
	if _, err := turn.ParseReopenPolicy(c.Turn.ReopenPolicy); err != nil {
		return fmt.Errorf("turn.reopen_policy: %w", err)
	}
	if strings.TrimSpace(c.Session.Provider) == "" {
		return fmt.Errorf("session.provider is required")
	}
	if c.Session.ConnectAttempts < 1 {
		return fmt.Errorf("session.connect_attempts must be at least 1")
	}
	switch c.Controls.Debug {
	case "", DebugNone, DebugEnergy, DebugStatus:
	default:
		return fmt.Errorf("controls.debug must be none, energy or status, got %q", c.Controls.Debug)
	}
	if r := strings.TrimSpace(c.Observability.TimelineRetention); r != "" {
		if _, err := time.ParseDuration(r); err != nil {
			return fmt.Errorf("observability.timeline_retention: %w", err)
		}
	}
	return nil
}

func (c Config) Format() frames.Format {
	return frames.Format{SampleRate: c.Audio.SampleRate, FrameDuration: time.Duration(c.Audio.FrameMS) * time.Millisecond}
}

func (c Config) AccumulatorConfig() turn.AccumulatorConfig {
	return turn.AccumulatorConfig{
		Format:       c.Format(),
		StartSpeech:  time.Duration(c.Endpointing.StartSpeechMS) * time.Millisecond,
		EndSilence:   time.Duration(c.Endpointing.EndSilenceMS) * time.Millisecond,
		MinUtterance: time.Duration(c.Endpointing.MinUtteranceMS) * time.Millisecond,
		ReplayOnset:  c.Endpointing.ReplayOnset,
	}
}

func (c Config) CalibratorConfig() vad.CalibratorConfig {
	return vad.CalibratorConfig{
		Format:     c.Format(),
		Window:     time.Duration(c.VAD.CalibrateMS) * time.Millisecond,
		Interval:   time.Duration(c.VAD.RecalibrateIntervalMS) * time.Millisecond,
		Multiplier: c.VAD.Multiplier,
		Offset:     c.VAD.Offset,
	}
}

func (c Config) TimelineRetention() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(c.Observability.TimelineRetention))
	return d
}

func (c Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Session.Settings = expandSettings(cfg.Session.Settings)
	cfg.Captions.Settings = expandSettings(cfg.Captions.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	}
}
