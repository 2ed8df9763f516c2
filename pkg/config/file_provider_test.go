package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileProviderInitialLoadMustSucceed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("routing:\n  profiles: [\n"), 0o600))

	_, err := NewFileProvider(path, nil)
	require.Error(t, err)
}

func TestFileProviderCurrent(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_address: \":6001\"\n")

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, ":6001", p.Current().Server.AdminAddress)
}

func TestFileProviderSubscribeDeliversCurrentSnapshot(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_address: \":6002\"\n")

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	select {
	case cfg := <-p.Subscribe():
		assert.Equal(t, ":6002", cfg.Server.AdminAddress)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}
}

func TestFileProviderReloadsOnRewrite(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_address: \":6003\"\n")

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	updates := p.Subscribe()
	<-updates

	require.NoError(t, os.WriteFile(path, []byte("server:\n  admin_address: \":6004\"\n"), 0o600))

	select {
	case cfg := <-updates:
		assert.Equal(t, ":6004", cfg.Server.AdminAddress)
	case <-time.After(5 * time.Second):
		t.Fatal("rewrite was not observed")
	}
	assert.Equal(t, ":6004", p.Current().Server.AdminAddress)
}

func TestFileProviderKeepsSnapshotOnBrokenRewrite(t *testing.T) {
	path := writeConfig(t, "server:\n  admin_address: \":6005\"\n")

	p, err := NewFileProvider(path, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.WriteFile(path, []byte("server: [broken\n"), 0o600))

	// Give the debounce and reload time to run, then confirm the previous
	// snapshot survived.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, ":6005", p.Current().Server.AdminAddress)
}
