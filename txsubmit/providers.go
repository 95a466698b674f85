package txsubmit

import (
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidProviderKind = errors.New("invalid provider kind")
	ErrNoRPCProvider       = errors.New("at least one rpc provider is required")
)

type ProvidersConfig struct {
	Providers []struct {
		Name        string   `yaml:"name"`
		Kind        string   `yaml:"kind"`
		URL         string   `yaml:"url"`
		Auth        string   `yaml:"auth"`
		TimeoutMs   int      `yaml:"timeout_ms"`
		RequiresTip bool     `yaml:"requires_tip"`
		TipAccounts []string `yaml:"tip_accounts"`
		Fallback    bool     `yaml:"fallback"`
		Disabled    bool     `yaml:"disabled"`
	} `yaml:"providers"`
}

// ProvidersBackend is the full configured provider set: bundle relays in
// priority order plus the direct RPC pair.
type ProvidersBackend struct {
	Relays      []*BundleClient
	PrimaryRPC  *RPCProvider
	FallbackRPC *RPCProvider
}

// LoadProviderConfig parses a provider config from a file. Relay order in the
// file is the race priority order; the first non-fallback rpc entry is the
// primary, an entry with fallback: true is the designated fallback.
func LoadProviderConfig(log *zap.Logger, file string) (*ProvidersBackend, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config ProvidersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	return NewProvidersBackend(log, config)
}

func NewProvidersBackend(log *zap.Logger, config ProvidersConfig) (*ProvidersBackend, error) {
	backend := &ProvidersBackend{}
	for _, p := range config.Providers {
		if p.Disabled {
			continue
		}
		endpoint := ProviderEndpoint{
			Name:       p.Name,
			URL:        p.URL,
			AuthHeader: p.Auth,
			Timeout:    time.Duration(p.TimeoutMs) * time.Millisecond,
		}

		switch p.Kind {
		case "bundle-relay":
			endpoint.Kind = KindBundleRelay
			relay, err := NewBundleClient(log, endpoint, p.TipAccounts, p.RequiresTip)
			if err != nil {
				return nil, err
			}
			backend.Relays = append(backend.Relays, relay)
		case "rpc":
			endpoint.Kind = KindDirectRPC
			client := NewRPCProvider(log, endpoint)
			if p.Fallback {
				backend.FallbackRPC = client
			} else if backend.PrimaryRPC == nil {
				backend.PrimaryRPC = client
			} else {
				log.Warn("Extra rpc provider ignored, already have a primary",
					zap.String("provider", p.Name))
			}
		default:
			return nil, ErrInvalidProviderKind
		}
	}

	if backend.PrimaryRPC == nil {
		if backend.FallbackRPC == nil {
			return nil, ErrNoRPCProvider
		}
		backend.PrimaryRPC = backend.FallbackRPC
		backend.FallbackRPC = nil
	}
	return backend, nil
}

// StatusQueriers returns the RPC providers in verification fan-out order.
func (b *ProvidersBackend) StatusQueriers() []StatusQuerier {
	out := []StatusQuerier{b.PrimaryRPC}
	if b.FallbackRPC != nil {
		out = append(out, b.FallbackRPC)
	}
	return out
}
