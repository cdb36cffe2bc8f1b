// Package credential fetches the bearer credential a session uses to reach
// the tool gateway.
//
// Providers are interchangeable: Static for fixed tokens, ClientCredentials
// for OAuth2 machine-to-machine exchange, and Retrying to wrap either with
// exponential backoff. ExpiresAt inspects the exp claim of JWT credentials so
// callers can refresh a cached token before it lapses.
package credential
