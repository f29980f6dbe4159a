// Package keystore is the local account/key store. Accounts live in an encrypted vault
// that is only readable while the store is unlocked.
package keystore

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
)

const (
	VaultFile   = "vault.json"
	VaultAAD    = "quantum-wallet-bridge:vault:v1"
	VaultSchema = 1
)

var (
	ErrLocked           = fmt.Errorf("keystore: %w", protocol.ErrWalletLocked)
	ErrUnknownAccount   = errors.New("keystore: account not found")
	ErrNotExportable    = errors.New("keystore: private key is not exportable")
	ErrDuplicateAccount = errors.New("keystore: account already exists")
)

// AccountType says how an account signs.
type AccountType string

const (
	TypeStandard   AccountType = "standard"
	TypeChip       AccountType = "chip"
	TypeLegacyChip AccountType = "legacy_chip"
	TypeMultisig   AccountType = "multisig"
)

// Multisig describes a chip quorum.
type Multisig struct {
	Threshold int   `json:"threshold"`
	Slots     []int `json:"slots"`
}

// Account is the public metadata of one account.
type Account struct {
	Address common.Address `json:"address"`
	Name    string         `json:"name,omitempty"`
	Type    AccountType    `json:"type"`

	// ChipSlot is set for single-chip accounts.
	ChipSlot *int `json:"chipSlot,omitempty"`
	// LinkedChipSlot is the pre-slot-metadata way a chip was attached to an account.
	LinkedChipSlot *int      `json:"linkedChipSlot,omitempty"`
	Multisig       *Multisig `json:"multisig,omitempty"`
}

type accountRecord struct {
	Account
	PrivKeyHex string `json:"priv_key_hex,omitempty"`
}

type vault struct {
	Version   int             `json:"version"`
	Accounts  []accountRecord `json:"accounts"`
	Selected  common.Address  `json:"selected"`
	CreatedAt string          `json:"created_at,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	path string
	opt  securefile.Options

	mu       sync.RWMutex
	unlocked *vault
	password []byte

	selectedFeed event.Feed
}

func New(path string, opt securefile.Options) *Store {
	if opt.AAD == nil {
		opt.AAD = []byte(VaultAAD)
	}
	return &Store{path: path, opt: opt}
}

// Unlock decrypts the vault. A missing vault is created with one random standard account.
func (s *Store) Unlock(password []byte) error {
	v, err := securefile.ReadEncryptedJSON[vault](s.path, password, s.opt)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("unlock %s: %w", s.path, err)
		}
		nv, err := newVault()
		if err != nil {
			return err
		}
		if err := securefile.WriteEncryptedJSON(s.path, *nv, password, s.opt); err != nil {
			return err
		}
		v = *nv
	}
	if v.Version != VaultSchema {
		return fmt.Errorf("unsupported vault version: %d", v.Version)
	}

	s.mu.Lock()
	s.unlocked = &v
	s.password = append([]byte(nil), password...)
	s.mu.Unlock()
	return nil
}

// Lock forgets decrypted keys and the password.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = nil
	for i := range s.password {
		s.password[i] = 0
	}
	s.password = nil
}

func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unlocked != nil
}

func (s *Store) GetAccounts() ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unlocked == nil {
		return nil, ErrLocked
	}
	out := make([]Account, 0, len(s.unlocked.Accounts))
	for _, r := range s.unlocked.Accounts {
		out = append(out, r.Account)
	}
	return out, nil
}

func (s *Store) GetSelectedAccount() (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unlocked == nil {
		return Account{}, ErrLocked
	}
	r, ok := s.findLocked(s.unlocked.Selected)
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return r.Account, nil
}

// Account returns metadata for address.
func (s *Store) Account(address common.Address) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unlocked == nil {
		return Account{}, ErrLocked
	}
	r, ok := s.findLocked(address)
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return r.Account, nil
}

// GetPrivateKey returns the key of a standard account. Chip-backed accounts have none.
func (s *Store) GetPrivateKey(address common.Address) (*ecdsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unlocked == nil {
		return nil, ErrLocked
	}
	r, ok := s.findLocked(address)
	if !ok {
		return nil, ErrUnknownAccount
	}
	if r.PrivKeyHex == "" {
		return nil, ErrNotExportable
	}
	b, err := hexutil.Decode(r.PrivKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode key for %s: %w", address.Hex(), err)
	}
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, fmt.Errorf("to ecdsa: %w", err)
	}
	return key, nil
}

// SelectAccount persists the active account and notifies subscribers.
func (s *Store) SelectAccount(address common.Address) error {
	s.mu.Lock()
	if s.unlocked == nil {
		s.mu.Unlock()
		return ErrLocked
	}
	if _, ok := s.findLocked(address); !ok {
		s.mu.Unlock()
		return ErrUnknownAccount
	}
	changed := s.unlocked.Selected != address
	s.unlocked.Selected = address
	err := s.saveLocked()
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if changed {
		s.selectedFeed.Send(address)
	}
	return nil
}

// AddAccount stores a new account. key is required for standard accounts and must be nil otherwise.
func (s *Store) AddAccount(acct Account, key *ecdsa.PrivateKey) error {
	rec := accountRecord{Account: acct}
	switch acct.Type {
	case TypeStandard:
		if key == nil {
			return errors.New("keystore: standard account needs a key")
		}
		rec.Address = crypto.PubkeyToAddress(key.PublicKey)
		rec.PrivKeyHex = hexutil.Encode(crypto.FromECDSA(key))
	case TypeChip, TypeLegacyChip, TypeMultisig:
		if key != nil {
			return ErrNotExportable
		}
	default:
		return fmt.Errorf("keystore: unknown account type %q", acct.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unlocked == nil {
		return ErrLocked
	}
	if _, ok := s.findLocked(rec.Address); ok {
		return ErrDuplicateAccount
	}
	s.unlocked.Accounts = append(s.unlocked.Accounts, rec)
	return s.saveLocked()
}

// SubscribeSelected delivers the new address after every selection change.
func (s *Store) SubscribeSelected(ch chan<- common.Address) event.Subscription {
	return s.selectedFeed.Subscribe(ch)
}

func (s *Store) findLocked(address common.Address) (accountRecord, bool) {
	for _, r := range s.unlocked.Accounts {
		if r.Address == address {
			return r, true
		}
	}
	return accountRecord{}, false
}

func (s *Store) saveLocked() error {
	if err := securefile.WriteEncryptedJSON(s.path, *s.unlocked, s.password, s.opt); err != nil {
		return fmt.Errorf("save vault: %w", err)
	}
	return nil
}

func newVault() (*vault, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &vault{
		Version: VaultSchema,
		Accounts: []accountRecord{{
			Account:    Account{Address: addr, Name: "Account 1", Type: TypeStandard},
			PrivKeyHex: hexutil.Encode(crypto.FromECDSA(key)),
		}},
		Selected:  addr,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// ParseAddress accepts an address with or without 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", protocol.ErrInvalidRequest, s)
	}
	return common.HexToAddress(s), nil
}
