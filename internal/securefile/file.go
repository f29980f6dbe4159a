// Package securefile reads and writes JSON state files with atomic renames.
// Encrypted files use Argon2id for key derivation and XChaCha20-Poly1305 for sealing.
package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidPasswordOrCorrupt is returned when decryption fails.
	ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")
)

const (
	FilePerm      os.FileMode = 0o600
	DirectoryPerm os.FileMode = 0o700
)

// Envelope is the on-disk form of an encrypted file.
type Envelope struct {
	Version int `json:"version"`

	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// DefaultKDF is used for vault files.
var DefaultKDF = Envelope{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024,
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// Options controls encryption behavior. The zero value is valid.
type Options struct {
	KDF Envelope
	// AAD is bound to the ciphertext and must be identical on read and write.
	AAD []byte
}

func (o Options) kdf() Envelope {
	if o.KDF.Version == 0 {
		return DefaultKDF
	}
	return o.KDF
}

// WriteEncryptedJSON marshals v, seals it with password and writes it atomically.
func WriteEncryptedJSON[T any](path string, v T, password []byte, opt Options) error {
	if len(password) == 0 {
		return errors.New("securefile: empty password")
	}
	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	env, err := seal(plain, password, opt)
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return atomicWriteFile(path, b)
}

// ReadEncryptedJSON opens a file written by WriteEncryptedJSON.
// A missing file keeps os.ErrNotExist in the chain.
func ReadEncryptedJSON[T any](path string, password []byte, opt Options) (T, error) {
	var zero T

	b, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("read file: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return zero, fmt.Errorf("unmarshal envelope: %w", err)
	}

	plain, err := open(env, password, opt)
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zero, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

func seal(plain, password []byte, opt Options) (Envelope, error) {
	env := opt.kdf()
	if env.Version != 1 {
		return Envelope{}, fmt.Errorf("unsupported kdf version: %d", env.Version)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Envelope{}, fmt.Errorf("rand salt: %w", err)
	}

	key := argon2.IDKey(password, salt, env.ArgonTime, env.ArgonMemory, env.ArgonThreads, env.ArgonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return Envelope{}, fmt.Errorf("rand nonce: %w", err)
	}

	env.SaltB64 = base64.StdEncoding.EncodeToString(salt)
	env.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	env.CTB64 = base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, opt.AAD))
	return env, nil
}

func open(env Envelope, password []byte, opt Options) ([]byte, error) {
	if env.Version != 1 {
		return nil, fmt.Errorf("unsupported file version: %d", env.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(env.SaltB64)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(env.CTB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	key := argon2.IDKey(password, salt, env.ArgonTime, env.ArgonMemory, env.ArgonThreads, env.ArgonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}

	plain, err := aead.Open(nil, nonce, ct, opt.AAD)
	if err != nil {
		return nil, ErrInvalidPasswordOrCorrupt
	}
	return plain, nil
}

// WriteJSON writes v as indented JSON, atomically.
func WriteJSON[T any](path string, v T) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return atomicWriteFile(path, b)
}

// ReadJSON reads a file written by WriteJSON.
func ReadJSON[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("unmarshal json: %w", err)
	}
	return out, nil
}

func atomicWriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, FilePerm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// ConfigDir returns where the agent keeps local state.
//
// Priority:
//  1. SNAP_REAL_HOME (snap installs)
//  2. HOME
//  3. os.UserConfigDir()
//
// QWB_ENV=local|develop adds a subfolder so test runs never touch the real vault.
func ConfigDir(app string) (string, error) {
	if app == "" {
		return "", errors.New("app must not be empty")
	}

	envFolder, err := envFolder()
	if err != nil {
		return "", err
	}

	var base string
	switch {
	case os.Getenv("SNAP_REAL_HOME") != "":
		base = filepath.Join(os.Getenv("SNAP_REAL_HOME"), ".config", app)
	case os.Getenv("HOME") != "":
		base = filepath.Join(os.Getenv("HOME"), ".config", app)
	default:
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("UserConfigDir: %w", err)
		}
		base = filepath.Join(dir, app)
	}

	if envFolder != "" {
		base = filepath.Join(base, envFolder)
	}
	return base, nil
}

func envFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv("QWB_ENV"))
	switch strings.ToLower(raw) {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", fmt.Errorf("invalid QWB_ENV %q (allowed: local, develop, empty)", raw)
	}
}
