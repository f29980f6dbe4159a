package securefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type vault struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// cheap parameters keep the tests fast
var testOpts = Options{
	KDF: Envelope{Version: 1, ArgonTime: 1, ArgonMemory: 1024, ArgonThreads: 1, ArgonKeyLen: 32},
	AAD: []byte("qwb:test:v1"),
}

func TestEncryptedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vault.json")
	in := vault{Name: "main", Items: []string{"a", "b"}}

	require.NoError(t, WriteEncryptedJSON(path, in, []byte("hunter2"), testOpts))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, FilePerm, info.Mode().Perm())

	out, err := ReadEncryptedJSON[vault](path, []byte("hunter2"), testOpts)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadEncryptedJSON[vault](path, []byte("wrong"), testOpts)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)

	other := testOpts
	other.AAD = []byte("qwb:other:v1")
	_, err = ReadEncryptedJSON[vault](path, []byte("hunter2"), other)
	assert.ErrorIs(t, err, ErrInvalidPasswordOrCorrupt)
}

func TestReadEncryptedMissingFile(t *testing.T) {
	_, err := ReadEncryptedJSON[vault](filepath.Join(t.TempDir(), "none.json"), []byte("pw"), testOpts)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestWriteEncryptedRejectsEmptyPassword(t *testing.T) {
	err := WriteEncryptedJSON(filepath.Join(t.TempDir(), "v.json"), vault{}, nil, testOpts)
	assert.Error(t, err)
}

func TestPlainJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}))

	got, err := ReadJSON[map[string]int](path)
	require.NoError(t, err)
	assert.Equal(t, 1, got["a"])

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestConfigDir(t *testing.T) {
	t.Setenv("SNAP_REAL_HOME", "")
	t.Setenv("HOME", "/home/alice")
	t.Setenv("QWB_ENV", "")

	dir, err := ConfigDir("quantum-wallet-bridge")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/alice", ".config", "quantum-wallet-bridge"), dir)

	t.Setenv("QWB_ENV", "develop")
	dir, err = ConfigDir("quantum-wallet-bridge")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/alice", ".config", "quantum-wallet-bridge", "develop"), dir)

	t.Setenv("QWB_ENV", "staging")
	_, err = ConfigDir("quantum-wallet-bridge")
	assert.Error(t, err)
}
