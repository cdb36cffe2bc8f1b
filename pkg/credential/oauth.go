package credential

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/nrhchnd1412/agentcore/internal/observability"
	"github.com/nrhchnd1412/agentcore/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsConfig configures an OAuth2 client-credentials exchange.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Audience     string
	Logger       zerolog.Logger
}

// ClientCredentials fetches machine-to-machine tokens from an OAuth2 token
// endpoint.
type ClientCredentials struct {
	cfg    clientcredentials.Config
	logger zerolog.Logger
}

// NewClientCredentials validates cfg and builds the provider.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client id is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}
	if cfg.Audience != "" {
		cc.EndpointParams = url.Values{"audience": {cfg.Audience}}
	}

	return &ClientCredentials{
		cfg:    cc,
		logger: cfg.Logger.With().Str("component", "credential").Logger(),
	}, nil
}

// Fetch exchanges the client credentials for an access token.
func (c *ClientCredentials) Fetch(ctx context.Context) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.credential",
		"credential.fetch",
		attribute.String("token_url", c.cfg.TokenURL),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	start := time.Now()
	tok, err := c.cfg.Token(ctx)
	if err != nil {
		tracing.FailSpan(span, err)
		observability.RecordCredentialFetch(false)
		return "", fmt.Errorf("client credentials exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		tracing.FailSpan(span, ErrEmptyToken)
		observability.RecordCredentialFetch(false)
		return "", ErrEmptyToken
	}

	observability.RecordCredentialFetch(true)
	logger.Debug().
		Dur("duration", time.Since(start)).
		Time("expiry", tok.Expiry).
		Msg("Credential fetched")

	return tok.AccessToken, nil
}
