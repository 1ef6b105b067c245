package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danishberg/scraptraffic/pkg/turn"
	"github.com/spf13/pflag"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameMS != 20 {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Format().FrameBytes() != 640 {
		t.Fatalf("expected 640 byte frames, got %d", cfg.Format().FrameBytes())
	}
	acc := cfg.AccumulatorConfig()
	if acc.StartSpeech != 200*time.Millisecond || acc.EndSilence != 2*time.Second || acc.MinUtterance != 600*time.Millisecond || !acc.ReplayOnset {
		t.Fatalf("unexpected endpointing defaults: %+v", acc)
	}
	if cfg.VAD.Multiplier != 4.0 || cfg.VAD.Offset != 0.003 {
		t.Fatalf("unexpected vad defaults: %+v", cfg.VAD)
	}
	if cfg.Turn.ReopenPolicy != string(turn.ReopenBoth) {
		t.Fatalf("unexpected reopen policy %q", cfg.Turn.ReopenPolicy)
	}
	if cfg.TimelineRetention() != 168*time.Hour {
		t.Fatalf("unexpected retention %s", cfg.TimelineRetention())
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Fatalf("unexpected shutdown timeout %s", cfg.ShutdownTimeout())
	}
}

func TestLoadConfigFileEnvAndFlags(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("PHONEAGENT_TURN_REOPEN_POLICY", "either")

	path := filepath.Join(t.TempDir(), "phoneagent.yaml")
	yaml := `
log_level: debug
audio:
  input_device: 2
endpointing:
  end_silence_ms: 1500
session:
  provider: openai_realtime
  settings:
    api_key: ${TEST_OPENAI_KEY}
    voice: verse
vad:
  strategy: energy
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("vad", "energy", "")
	flags.Int("input-device", -1, "")
	flags.Bool("push-to-talk", false, "")
	if err := flags.Parse([]string{"--vad=webrtc", "--push-to-talk"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := LoadConfig(path, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Audio.InputDevice != 2 || cfg.Endpointing.EndSilenceMS != 1500 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Session.Settings["api_key"] != "sk-test" {
		t.Fatalf("env not expanded in settings: %v", cfg.Session.Settings["api_key"])
	}
	if cfg.Turn.ReopenPolicy != "either" {
		t.Fatalf("env override not applied: %q", cfg.Turn.ReopenPolicy)
	}
	if cfg.VAD.Strategy != "webrtc" || !cfg.Controls.PushToTalk {
		t.Fatalf("flags not applied: vad=%q ptt=%v", cfg.VAD.Strategy, cfg.Controls.PushToTalk)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"frame ms", func(c *Config) { c.Audio.FrameMS = 25 }, "frame_ms"},
		{"webrtc rate", func(c *Config) { c.VAD.Strategy = "webrtc"; c.Audio.SampleRate = 22050 }, "webrtc"},
		{"aggressiveness", func(c *Config) { c.VAD.Strategy = "webrtc"; c.VAD.Aggressiveness = 4 }, "aggressiveness"},
		{"strategy", func(c *Config) { c.VAD.Strategy = "neural" }, "vad.strategy"},
		{"policy", func(c *Config) { c.Turn.ReopenPolicy = "never" }, "reopen_policy"},
		{"provider", func(c *Config) { c.Session.Provider = " " }, "session.provider"},
		{"attempts", func(c *Config) { c.Session.ConnectAttempts = 0 }, "connect_attempts"},
		{"debug", func(c *Config) { c.Controls.Debug = "verbose" }, "controls.debug"},
		{"retention", func(c *Config) { c.Observability.TimelineRetention = "a week" }, "timeline_retention"},
		{"hangover", func(c *Config) { c.Endpointing.EndSilenceMS = 0 }, "end_silence_ms"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadConfig("", nil)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			tc.mutate(&cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestProviderRegistry(t *testing.T) {
	cfg := testConfig(t)
	reg := DefaultProviders()

	sess, err := reg.BuildSession(cfg, nil)
	if err != nil {
		t.Fatalf("build mock session: %v", err)
	}
	if sess.Name() != "mock" {
		t.Fatalf("unexpected session %q", sess.Name())
	}

	cfg.Session.Provider = "carrier_pigeon"
	if _, err := reg.BuildSession(cfg, nil); err == nil {
		t.Fatalf("expected unknown provider error")
	}

	cfg.Session.Provider = "openai_realtime"
	cfg.Session.Settings = map[string]any{}
	if _, err := reg.BuildSession(cfg, nil); err == nil {
		t.Fatalf("expected missing api key error")
	}

	caps, err := reg.BuildCaptions(cfg, nil, nil)
	if err != nil || caps != nil {
		t.Fatalf("captions should be disabled by default: %v %v", caps, err)
	}
	cfg.Captions.Provider = "deepgram"
	cfg.Captions.Settings = map[string]any{"api_key": "dg"}
	caps, err = reg.BuildCaptions(cfg, func(string) {}, nil)
	if err != nil || caps == nil {
		t.Fatalf("build deepgram captions: %v", err)
	}
}

func TestShippedConfigLoads(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-shipped")
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "phoneagent.yaml"), nil)
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Session.Provider != "openai_realtime" || cfg.Session.Settings["api_key"] != "sk-shipped" {
		t.Fatalf("unexpected session config: %+v", cfg.Session)
	}
	if _, err := DefaultProviders().BuildSession(cfg, nil); err != nil {
		t.Fatalf("build session from shipped config: %v", err)
	}
}
