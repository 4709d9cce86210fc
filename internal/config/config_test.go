package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_AppliesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 2, cfg.WindowSize)
	assert.Equal(t, NetworkTCP, cfg.Network)
	assert.Equal(t, CrashModelFullSS, cfg.CrashModel)
	assert.Equal(t, 10*time.Millisecond, cfg.MaxBatchDelay)
}

func TestLoad_EmptyPathReadsEnvironmentOnly(t *testing.T) {
	t.Setenv("REPLICA_ID", "2")
	t.Setenv("PEERS", "a:1,b:2,c:3")
	t.Setenv("WindowSize", "7")
	t.Setenv("RetransmitTimeoutMilisecs", "250")
	t.Setenv("IndirectConsensus", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.ReplicaID)
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, cfg.Peers)
	assert.Equal(t, 7, cfg.WindowSize)
	assert.Equal(t, 250*time.Millisecond, cfg.RetransmitTimeout)
	assert.True(t, cfg.IndirectConsensus)
}

func TestLoad_UnsetEnvKeepsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().BatchSize, cfg.BatchSize)
}

func TestLoad_PropertyFileOverridesEnvironment(t *testing.T) {
	t.Setenv("WindowSize", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "replica.properties")
	contents := "# a comment\n\nWindowSize=9\nNetwork=UDP\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.WindowSize, "the property file must take precedence over the environment")
	assert.Equal(t, NetworkUDP, cfg.Network)
}

func TestLoad_UnrecognizedPropertyKeyIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.properties")
	require.NoError(t, os.WriteFile(path, []byte("NotARealKey=whatever\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().WindowSize, cfg.WindowSize)
}

func TestLoad_MissingPropertyFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.properties"))
	assert.Error(t, err)
}

func TestLoad_MalformedPropertyLineIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replica.properties")
	require.NoError(t, os.WriteFile(path, []byte("this-has-no-equals-sign\nWindowSize=11\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 11, cfg.WindowSize)
}

func TestClientBatchStoreAvailable(t *testing.T) {
	cfg := Default()
	cfg.CrashModel = CrashModelFullSS
	assert.False(t, cfg.ClientBatchStoreAvailable(), "FullSS deliberately has no shared batch store")

	cfg.CrashModel = CrashModelViewSS
	assert.True(t, cfg.ClientBatchStoreAvailable())
}
