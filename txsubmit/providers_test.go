package txsubmit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadProviderConfig(t *testing.T) {
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := writeProvidersFile(t, `
providers:
  - name: jito-ny
    kind: bundle-relay
    url: https://ny.mainnet.block-engine.jito.wtf/api/v1/bundles
    requires_tip: true
  - name: jito-ams
    kind: bundle-relay
    url: https://amsterdam.mainnet.block-engine.jito.wtf/api/v1/bundles
    auth: secret-token
    timeout_ms: 500
    requires_tip: true
  - name: disabled-relay
    kind: bundle-relay
    url: https://example.com
    disabled: true
  - name: helius
    kind: rpc
    url: https://mainnet.helius-rpc.com
  - name: public
    kind: rpc
    url: https://api.mainnet-beta.solana.com
    fallback: true
`)

	backend, err := LoadProviderConfig(log, path)
	require.NoError(t, err)

	// file order is race priority order, disabled entries are dropped
	require.Len(t, backend.Relays, 2)
	require.Equal(t, "jito-ny", backend.Relays[0].Name())
	require.Equal(t, "jito-ams", backend.Relays[1].Name())
	require.True(t, backend.Relays[0].RequiresTipTransaction())

	require.Equal(t, "helius", backend.PrimaryRPC.Name())
	require.Equal(t, "public", backend.FallbackRPC.Name())

	queriers := backend.StatusQueriers()
	require.Len(t, queriers, 2)
	require.Equal(t, "helius", queriers[0].Name())
	require.Equal(t, "public", queriers[1].Name())
}

func TestLoadProviderConfig_FallbackPromotion(t *testing.T) {
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	path := writeProvidersFile(t, `
providers:
  - name: public
    kind: rpc
    url: https://api.mainnet-beta.solana.com
    fallback: true
`)

	backend, err := LoadProviderConfig(log, path)
	require.NoError(t, err)
	// the only rpc entry serves as the primary even when marked fallback
	require.Equal(t, "public", backend.PrimaryRPC.Name())
	require.Nil(t, backend.FallbackRPC)
	require.Len(t, backend.StatusQueriers(), 1)
}

func TestLoadProviderConfig_Errors(t *testing.T) {
	log, err := zap.NewDevelopment()
	require.NoError(t, err)

	_, err = LoadProviderConfig(log, filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := writeProvidersFile(t, `
providers:
  - name: weird
    kind: carrier-pigeon
    url: https://example.com
`)
	_, err = LoadProviderConfig(log, path)
	require.ErrorIs(t, err, ErrInvalidProviderKind)

	path = writeProvidersFile(t, `
providers:
  - name: jito-ny
    kind: bundle-relay
    url: https://example.com
`)
	_, err = LoadProviderConfig(log, path)
	require.ErrorIs(t, err, ErrNoRPCProvider)
}

func TestProvidersConfigRoundtrip(t *testing.T) {
	var config ProvidersConfig
	require.NoError(t, yaml.Unmarshal([]byte(`
providers:
  - name: jito-ny
    kind: bundle-relay
    url: https://example.com
    tip_accounts:
      - 96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5
`), &config))
	require.Len(t, config.Providers, 1)
	require.Equal(t, "jito-ny", config.Providers[0].Name)
	require.Len(t, config.Providers[0].TipAccounts, 1)
}
