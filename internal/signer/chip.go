package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
)

const (
	ChipsFile = "chips.json"

	// SealerLabel scopes the sealed DEK so it can't be mixed with other sealed blobs.
	SealerLabel = "quantum-wallet-bridge:chip:dek:v1"
	PayloadAAD  = "quantum-wallet-bridge:chip:payload:v1"

	chipFileVersion = 1
)

var (
	ErrNoChip       = errors.New("chip slot not provisioned")
	ErrSlotInUse    = errors.New("chip slot already provisioned")
	ErrChipMismatch = errors.New("chip key does not match recorded address")
)

// Sealer seals small secrets to the local TPM. tpmdevice.Sealer satisfies it.
type Sealer interface {
	Seal(ctx context.Context, label string, data []byte) ([]byte, error)
	Unseal(ctx context.Context, label string, sealed []byte) ([]byte, error)
}

type chipRecord struct {
	Address   string `json:"address"`
	CreatedAt string `json:"created_at,omitempty"`

	NonceB64     string `json:"nonce_b64"`
	CTB64        string `json:"ct_b64"`
	SealedDEKB64 string `json:"sealed_dek_b64"`
}

type chipsFile struct {
	Version int                `json:"version"`
	Slots   map[int]chipRecord `json:"slots"`
}

type chipPlain struct {
	PrivKeyHex string `json:"priv_key_hex"`
}

// SealedChips is the local chip bridge: one secp256k1 key per slot, each encrypted
// under its own DEK that only the TPM can unseal. Keys never leave the process.
type SealedChips struct {
	path   string
	sealer Sealer

	mu sync.Mutex
}

func NewSealedChips(path string, sealer Sealer) (*SealedChips, error) {
	if sealer == nil {
		return nil, errors.New("signer: sealer is required")
	}
	return &SealedChips{path: path, sealer: sealer}, nil
}

// Provision creates a fresh key in slot and returns its address.
func (c *SealedChips) Provision(ctx context.Context, slot int) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.readLocked()
	if err != nil {
		return common.Address{}, err
	}
	if _, ok := f.Slots[slot]; ok {
		return common.Address{}, fmt.Errorf("slot %d: %w", slot, ErrSlotInUse)
	}

	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return common.Address{}, fmt.Errorf("generate key: %w", err)
	}
	rec, err := c.sealKey(ctx, key)
	if err != nil {
		return common.Address{}, err
	}
	f.Slots[slot] = rec
	if err := securefile.WriteJSON(c.path, f); err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// Address is the recorded address of slot; the TPM is not touched.
func (c *SealedChips) Address(_ context.Context, slot int) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.readLocked()
	if err != nil {
		return common.Address{}, err
	}
	rec, ok := f.Slots[slot]
	if !ok {
		return common.Address{}, fmt.Errorf("slot %d: %w", slot, ErrNoChip)
	}
	return common.HexToAddress(rec.Address), nil
}

// Slots lists provisioned slots in ascending order.
func (c *SealedChips) Slots() ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(f.Slots))
	for slot := range f.Slots {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out, nil
}

func (c *SealedChips) SignDigest(ctx context.Context, slot int, digest32 []byte) ([]byte, error) {
	if len(digest32) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest32))
	}

	c.mu.Lock()
	f, err := c.readLocked()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rec, ok := f.Slots[slot]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrNoChip)
	}

	key, err := c.unsealKey(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	return crypto.Sign(digest32, key)
}

func (c *SealedChips) sealKey(ctx context.Context, key *ecdsa.PrivateKey) (chipRecord, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return chipRecord{}, fmt.Errorf("rand dek: %w", err)
	}
	defer zeroBytes(dek)

	sealed, err := c.sealer.Seal(ctx, SealerLabel, dek)
	if err != nil {
		return chipRecord{}, fmt.Errorf("seal dek: %w", err)
	}

	plainJSON, err := json.Marshal(chipPlain{PrivKeyHex: hexutil.Encode(crypto.FromECDSA(key))})
	if err != nil {
		return chipRecord{}, fmt.Errorf("marshal plain: %w", err)
	}
	defer zeroBytes(plainJSON)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return chipRecord{}, fmt.Errorf("rand nonce: %w", err)
	}
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return chipRecord{}, fmt.Errorf("aead: %w", err)
	}

	return chipRecord{
		Address:      crypto.PubkeyToAddress(key.PublicKey).Hex(),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
		NonceB64:     base64.StdEncoding.EncodeToString(nonce),
		CTB64:        base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plainJSON, []byte(PayloadAAD))),
		SealedDEKB64: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func (c *SealedChips) unsealKey(ctx context.Context, rec chipRecord) (*ecdsa.PrivateKey, error) {
	nonce, err := base64.StdEncoding.DecodeString(rec.NonceB64)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(rec.CTB64)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.SealedDEKB64)
	if err != nil {
		return nil, fmt.Errorf("decode sealed dek: %w", err)
	}

	dek, err := c.sealer.Unseal(ctx, SealerLabel, sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal dek: %w", err)
	}
	if len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("unexpected dek length: %d", len(dek))
	}
	defer zeroBytes(dek)

	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	plainJSON, err := aead.Open(nil, nonce, ct, []byte(PayloadAAD))
	if err != nil {
		return nil, errors.New("chip decrypt failed (TPM policy changed or file corrupted)")
	}
	defer zeroBytes(plainJSON)

	var plain chipPlain
	if err := json.Unmarshal(plainJSON, &plain); err != nil {
		return nil, fmt.Errorf("unmarshal plain: %w", err)
	}
	raw, err := hexutil.Decode(plain.PrivKeyHex)
	if err != nil {
		return nil, fmt.Errorf("privkey hex: %w", err)
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("to ecdsa: %w", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(rec.Address) {
		return nil, ErrChipMismatch
	}
	return key, nil
}

func (c *SealedChips) readLocked() (chipsFile, error) {
	f, err := securefile.ReadJSON[chipsFile](c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return chipsFile{Version: chipFileVersion, Slots: map[int]chipRecord{}}, nil
		}
		return chipsFile{}, err
	}
	if f.Version != chipFileVersion {
		return chipsFile{}, fmt.Errorf("unsupported chips file version: %d", f.Version)
	}
	if f.Slots == nil {
		f.Slots = map[int]chipRecord{}
	}
	return f, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
