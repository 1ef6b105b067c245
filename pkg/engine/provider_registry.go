package engine

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/danishberg/scraptraffic/pkg/providers/deepgram"
	"github.com/danishberg/scraptraffic/pkg/providers/mock"
	"github.com/danishberg/scraptraffic/pkg/providers/openai"
	"github.com/danishberg/scraptraffic/pkg/session"
)

type SessionFactory func(cfg Config, log *slog.Logger) (session.Session, error)
type CaptionsFactory func(cfg Config, onCaption func(string), log *slog.Logger) (Captioner, error)

type ProviderRegistry struct {
	sessions map[string]SessionFactory
	captions map[string]CaptionsFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		sessions: make(map[string]SessionFactory),
		captions: make(map[string]CaptionsFactory),
	}
}

// DefaultProviders registers the providers shipped with this module.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSession("openai_realtime", func(cfg Config, log *slog.Logger) (session.Session, error) {
		oc, err := openai.ConfigFromSettings(cfg.Session.Settings)
		if err != nil {
			return nil, err
		}
		oc.InputSampleRate = cfg.Audio.SampleRate
		oc.Logger = log
		return openai.New(oc), nil
	})
	r.RegisterSession("mock", func(cfg Config, _ *slog.Logger) (session.Session, error) {
		mc, err := mock.ConfigFromSettings(cfg.Session.Settings)
		if err != nil {
			return nil, err
		}
		return mock.NewSession(mc), nil
	})
	r.RegisterCaptions("deepgram", func(cfg Config, onCaption func(string), log *slog.Logger) (Captioner, error) {
		dc, err := deepgram.ConfigFromSettings(cfg.Captions.Settings)
		if err != nil {
			return nil, err
		}
		dc.SampleRate = cfg.Audio.SampleRate
		dc.OnCaption = onCaption
		dc.Logger = log
		return deepgram.New(dc), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterSession(name string, factory SessionFactory) {
	r.sessions[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterCaptions(name string, factory CaptionsFactory) {
	r.captions[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildSession(cfg Config, log *slog.Logger) (session.Session, error) {
	fn := r.sessions[strings.ToLower(strings.TrimSpace(cfg.Session.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("session provider not registered: %s", cfg.Session.Provider)
	}
	return fn(cfg, log)
}

// BuildCaptions returns nil, nil when captions are disabled.
func (r *ProviderRegistry) BuildCaptions(cfg Config, onCaption func(string), log *slog.Logger) (Captioner, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Captions.Provider))
	if name == "" {
		return nil, nil
	}
	fn := r.captions[name]
	if fn == nil {
		return nil, fmt.Errorf("captions provider not registered: %s", cfg.Captions.Provider)
	}
	return fn(cfg, onCaption, log)
}
