// Package cluster derives the identity the controller publishes under.
// Every endpoint event, probe batch and heartbeat carries a cluster ID;
// when the operator does not configure one explicitly, the resolver asks
// the metadata service of the cloud the controller happens to run on.
package cluster

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Provider names the cloud a cluster identity was resolved from.
type Provider string

const (
	ProviderUnknown Provider = "unknown"
	ProviderGCP     Provider = "gcp"
)

// Identity is the resolved identity of the cluster the controller runs on.
// ClusterID is the value stamped into published event payloads and must
// stay stable across controller restarts; the remaining fields are
// informational.
type Identity struct {
	ClusterID string
	Name      string
	Provider  Provider
	Region    string
	Project   string
}

// ErrNoProviderDetected means no metadata service answered. The operator
// has to pass a cluster ID explicitly in that case.
var ErrNoProviderDetected = errors.New("no cloud provider detected")

// Source resolves a cluster identity from one cloud's metadata service.
type Source interface {
	Provider() Provider
	// Detect reports whether the controller appears to run on this cloud.
	Detect(ctx context.Context) bool
	Resolve(ctx context.Context) (*Identity, error)
}

// Config holds the resolver settings.
type Config struct {
	// Timeout bounds each metadata request.
	Timeout time.Duration
	// EnableGCP turns on GKE detection.
	EnableGCP bool
}

// DefaultConfig returns the default resolver configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   3 * time.Second,
		EnableGCP: true,
	}
}

// Resolver tries each enabled metadata source in order and resolves the
// identity from the first one that detects its cloud.
type Resolver struct {
	sources []Source
}

// NewResolver creates a resolver with the sources cfg enables.
func NewResolver(cfg Config) *Resolver {
	client := &http.Client{Timeout: cfg.Timeout}

	var sources []Source
	if cfg.EnableGCP {
		sources = append(sources, NewGKESource(client))
	}
	return &Resolver{sources: sources}
}

// Resolve returns the identity of the first detected cloud.
func (r *Resolver) Resolve(ctx context.Context) (*Identity, error) {
	for _, source := range r.sources {
		if source.Detect(ctx) {
			return source.Resolve(ctx)
		}
	}
	return nil, ErrNoProviderDetected
}
