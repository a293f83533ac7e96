package infra

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileKeyProvider(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T, dataDir string, provider *FileKeyProvider)
	}{
		{
			name: "no key on first run",
			testFn: func(t *testing.T, _ string, provider *FileKeyProvider) {
				assert.False(t, provider.KeyExists())
				_, err := provider.GetKey()
				assert.Error(t, err)
			},
		},
		{
			name: "stored key round trips with 0600",
			testFn: func(t *testing.T, _ string, provider *FileKeyProvider) {
				key, err := GenerateKey()
				require.NoError(t, err)
				require.NoError(t, provider.StoreKey(key))

				got, err := provider.GetKey()
				require.NoError(t, err)
				assert.Equal(t, key, got)

				info, err := os.Stat(provider.keyPath)
				require.NoError(t, err)
				assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
			},
		},
		{
			name: "no temp files left behind",
			testFn: func(t *testing.T, dataDir string, provider *FileKeyProvider) {
				key, _ := GenerateKey()
				require.NoError(t, provider.StoreKey(key))

				entries, err := os.ReadDir(dataDir)
				require.NoError(t, err)
				require.Len(t, entries, 1)
				assert.Equal(t, keyFileName, entries[0].Name())
			},
		},
		{
			name: "wrong size rejected",
			testFn: func(t *testing.T, _ string, provider *FileKeyProvider) {
				err := provider.StoreKey([]byte("tooshort"))
				assert.ErrorContains(t, err, "invalid key size")
			},
		},
		{
			name: "hand-edited key with trailing newline",
			testFn: func(t *testing.T, _ string, provider *FileKeyProvider) {
				key, _ := GenerateKey()
				encoded := base64.StdEncoding.EncodeToString(key) + "\n"
				require.NoError(t, os.WriteFile(provider.keyPath, []byte(encoded), 0o600))

				got, err := provider.GetKey()
				require.NoError(t, err)
				assert.Equal(t, key, got)
			},
		},
		{
			name: "missing data dir created",
			testFn: func(t *testing.T, dataDir string, provider *FileKeyProvider) {
				provider.keyPath = filepath.Join(dataDir, "nested", "dir", keyFileName)
				key, _ := GenerateKey()
				require.NoError(t, provider.StoreKey(key))
				assert.True(t, provider.KeyExists())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataDir := t.TempDir()
			tt.testFn(t, dataDir, NewFileKeyProvider(dataDir))
		})
	}
}

func TestGenerateKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Len(t, key, keySize)
		assert.False(t, seen[string(key)], "duplicate key generated")
		seen[string(key)] = true
	}
}

func TestEnsureKey(t *testing.T) {
	provider := NewFileKeyProvider(t.TempDir())

	first, err := EnsureKey(provider)
	require.NoError(t, err)
	assert.Len(t, first, keySize)

	second, err := EnsureKey(provider)
	require.NoError(t, err)
	assert.Equal(t, first, second, "existing key is reused")
}
