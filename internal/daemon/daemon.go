package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/config"
	"github.com/nrhchnd1412/agentcore/internal/logger"
	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/nrhchnd1412/agentcore/pkg/agent"
	"github.com/nrhchnd1412/agentcore/pkg/commandqueue"
	"github.com/nrhchnd1412/agentcore/pkg/credential"
	"github.com/nrhchnd1412/agentcore/pkg/gateway"
	"github.com/nrhchnd1412/agentcore/pkg/mcpgateway"
	"github.com/nrhchnd1412/agentcore/pkg/orchestrator"
	"github.com/nrhchnd1412/agentcore/pkg/session"
	"github.com/nrhchnd1412/agentcore/pkg/transcript"
	"github.com/rs/zerolog"
)

// Daemon wires the agent runtime: sessions, credentials, the command queue,
// the orchestrator and the HTTP gateway in front of them.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	transcripts  *transcript.Store
	sessions     *session.Store
	sweeper      *session.Sweeper
	queue        *commandqueue.Queue
	orchestrator *orchestrator.Orchestrator
	server       *gateway.Server
	lifecycle    *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Addr      string
	Sessions  int
}

// New builds every component from cfg. Nothing listens until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.OTelConfig{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initialize(); err != nil {
		d.shutdownTracing()
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

func (d *Daemon) initialize() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	factory, err := d.buildFactory()
	if err != nil {
		return fmt.Errorf("failed to create agent factory: %w", err)
	}

	provider, err := buildCredentialProvider(cfg.Credential, zl)
	if err != nil {
		return fmt.Errorf("failed to create credential provider: %w", err)
	}
	d.logger.Info().Str("mode", cfg.Credential.Mode).Msg("Credential provider initialized")

	d.sessions = session.NewStore(zl)
	if cfg.Session.IdleTTL > 0 {
		sweeper, err := session.NewSweeper(session.SweeperConfig{
			Store:    d.sessions,
			IdleTTL:  cfg.Session.IdleTTL,
			Schedule: cfg.Session.SweepSchedule,
			Logger:   zl,
		})
		if err != nil {
			return fmt.Errorf("failed to create session sweeper: %w", err)
		}
		d.sweeper = sweeper
	}

	d.queue = commandqueue.New(commandqueue.Config{Logger: zl})
	d.logger.Info().Msg("Command queue initialized")

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:           d.sessions,
		Credentials:        provider,
		Factory:            factory,
		Queue:              d.queue,
		RelayCapacity:      cfg.Relay.Capacity,
		DetachOnDisconnect: !cfg.Orchestrator.CancelOnDisconnect,
		CredentialSkew:     cfg.Orchestrator.CredentialSkew,
		WarnAfter:          cfg.Orchestrator.QueueWarnAfter,
		Logger:             zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch

	server, err := gateway.NewServer(gateway.Config{
		Addr:         cfg.Server.Addr(),
		SharedSecret: cfg.Server.SharedSecret,
		RateLimit: gateway.RateLimitConfig{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			Burst:             cfg.Server.RateLimit.Burst,
			MaxConcurrent:     cfg.Server.RateLimit.MaxConcurrent,
		},
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Invoker:         orch,
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.server = server
	return nil
}

func (d *Daemon) buildFactory() (agent.Factory, error) {
	cfg := d.config
	zl := d.logger.GetZerolog()

	pool, err := agent.NewProfilePool(convertAuthProfiles(cfg.Agent.Profiles))
	if err != nil {
		return nil, err
	}

	fc := agent.FactoryConfig{
		Config: agent.AgentConfig{
			Model:        cfg.Agent.Model,
			Temperature:  cfg.Agent.Temperature,
			MaxTokens:    cfg.Agent.MaxTokens,
			SystemPrompt: cfg.Agent.SystemPrompt,
			MaxTurns:     cfg.Agent.MaxTurns,
			MaxRetries:   cfg.Agent.MaxRetries,
			HistoryLimit: cfg.Agent.HistoryLimit,
		},
		Profiles:  pool,
		Providers: &agent.ProviderFactory{},
		Gateway: mcpgateway.Config{
			URL:     cfg.Gateway.URL,
			Timeout: cfg.Gateway.Timeout,
			Filter:  cfg.Gateway.Tools,
		},
		Logger: zl,
	}

	if cfg.Session.TranscriptDir != "" {
		store, err := transcript.New(transcript.Config{
			Dir:        cfg.Session.TranscriptDir,
			MaxEntries: cfg.Session.TranscriptMaxEntries,
			Logger:     zl,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript store: %w", err)
		}
		hooks, err := agent.NewTranscriptHooks(store, cfg.Agent.HistoryLimit)
		if err != nil {
			return nil, err
		}
		d.transcripts = store
		fc.Hooks = hooks
		d.logger.Info().Str("dir", cfg.Session.TranscriptDir).Msg("Transcript store initialized")
	}

	return agent.NewFactory(fc), nil
}

func buildCredentialProvider(cfg config.CredentialConfig, zl zerolog.Logger) (credential.Provider, error) {
	var base credential.Provider
	switch cfg.Mode {
	case config.CredentialStatic, "":
		static, err := credential.NewStatic(cfg.Token)
		if err != nil {
			return nil, err
		}
		return static, nil
	case config.CredentialClientCredentials:
		cc, err := credential.NewClientCredentials(credential.ClientCredentialsConfig{
			TokenURL:     cfg.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Audience:     cfg.Audience,
			Logger:       zl,
		})
		if err != nil {
			return nil, err
		}
		base = cc
	default:
		return nil, fmt.Errorf("unknown credential mode %q", cfg.Mode)
	}

	return credential.NewRetrying(base, credential.RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.Backoff,
		Logger:         zl,
	})
}

func convertAuthProfiles(profiles []config.ProfileConfig) []agent.AuthProfile {
	result := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return result
}

// Start writes the PID file, starts listening and schedules the session
// sweeper.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting agentcore daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.server.Start(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.server.Addr()).Msg("Gateway server started")

	if d.sweeper != nil {
		d.sweeper.Start()
		logger.Info().Dur("idle_ttl", d.config.Session.IdleTTL).Msg("Session sweeper started")
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop drains the gateway, then stops the queue and closes every session.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping agentcore daemon")

	var firstErr error
	if err := d.server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
		firstErr = err
	}

	if d.sweeper != nil {
		if err := d.sweeper.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop session sweeper")
		}
	}

	if err := d.orchestrator.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close orchestrator")
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	d.sessions.Close()
	logger.Info().Msg("Sessions closed")

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	logger.Info().Msg("Daemon stopped successfully")
	return firstErr
}

// Run starts the daemon and blocks until ctx is done, then stops it within
// the configured shutdown timeout.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	d.logger.Info().Msg("Shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), d.config.Server.ShutdownTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.sessions.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.server.Addr()
	}

	return status
}

// Addr returns the gateway listen address.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the orchestrator
func (d *Daemon) GetOrchestrator() *orchestrator.Orchestrator {
	return d.orchestrator
}

// GetSessions returns the session store
func (d *Daemon) GetSessions() *session.Store {
	return d.sessions
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}
