package credential

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyToken is returned when a provider yields an empty credential.
var ErrEmptyToken = errors.New("credential provider returned an empty token")

// Provider fetches a credential.
type Provider interface {
	Fetch(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

// Fetch calls f.
func (f ProviderFunc) Fetch(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token.
type Static struct {
	token string
}

// NewStatic creates a provider for a fixed token.
func NewStatic(token string) (*Static, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	return &Static{token: token}, nil
}

// Fetch returns the fixed token.
func (s *Static) Fetch(ctx context.Context) (string, error) {
	return s.token, nil
}
