package agent

import (
	"context"
	"fmt"

	"github.com/nrhchnd1412/agentcore/pkg/mcpgateway"
	"github.com/rs/zerolog"
)

// FactoryConfig configures NewFactory.
type FactoryConfig struct {
	Config    AgentConfig
	Profiles  *ProfilePool
	Providers ProviderCreator
	// Gateway is dialed with the session credential when its URL is set.
	Gateway mcpgateway.Config
	Hooks   Hooks
	Logger  zerolog.Logger
}

// NewFactory returns a Factory building SupportAgents. Each construction
// connects to the tool gateway with the caller's credential and replays
// conversation history, so callers cache the handle per session.
func NewFactory(cfg FactoryConfig) Factory {
	return func(ctx context.Context, opts Options) (Handle, error) {
		return build(ctx, cfg, opts)
	}
}

func build(ctx context.Context, cfg FactoryConfig, opts Options) (Handle, error) {
	hooks := opts.Hooks
	if hooks == nil {
		hooks = cfg.Hooks
	}
	supportCfg := SupportConfig{
		Config:    cfg.Config,
		Profiles:  cfg.Profiles,
		Providers: cfg.Providers,
		Hooks:     hooks,
		ActorID:   opts.ActorID,
		SessionID: opts.SessionID,
		Logger:    cfg.Logger,
	}

	if cfg.Gateway.URL == "" {
		a, err := NewSupportAgent(ctx, supportCfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	}

	if opts.Credential == "" {
		return nil, fmt.Errorf("credential is required to reach the tool gateway")
	}
	gwCfg := cfg.Gateway
	gwCfg.Logger = cfg.Logger
	client, err := mcpgateway.Connect(ctx, gwCfg, opts.Credential)
	if err != nil {
		return nil, fmt.Errorf("failed to connect tool gateway: %w", err)
	}
	supportCfg.Tools = client

	a, err := NewSupportAgent(ctx, supportCfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return a, nil
}
