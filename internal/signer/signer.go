// Package signer picks and drives the signing backend of an account: a standard key,
// a single hardware chip, a legacy chip link, or a multisig chip quorum.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/keystore"
	"github.com/quantumauth-io/quantum-wallet-bridge/internal/protocol"
)

// Signer signs 32-byte digests and returns 65-byte R||S||V signatures with V = 0/1.
type Signer interface {
	Address() common.Address
	SignHash(ctx context.Context, digest32 []byte) ([]byte, error)
}

// KeySource is the part of the account store signers need.
type KeySource interface {
	IsUnlocked() bool
	Account(address common.Address) (keystore.Account, error)
	GetPrivateKey(address common.Address) (*ecdsa.PrivateKey, error)
}

// ChipSession talks to hardware chips by slot.
type ChipSession interface {
	SignDigest(ctx context.Context, slot int, digest32 []byte) ([]byte, error)
}

type StandardSigner struct {
	addr common.Address
	keys KeySource
}

func (s *StandardSigner) Address() common.Address { return s.addr }

func (s *StandardSigner) SignHash(_ context.Context, digest32 []byte) ([]byte, error) {
	if len(digest32) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest32))
	}
	key, err := s.keys.GetPrivateKey(s.addr)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest32, key)
}

type ChipSigner struct {
	addr  common.Address
	slot  int
	chips ChipSession
}

func (s *ChipSigner) Address() common.Address { return s.addr }
func (s *ChipSigner) Slot() int               { return s.slot }

// SignHash asks the chip and checks the signature recovers to the account address.
func (s *ChipSigner) SignHash(ctx context.Context, digest32 []byte) ([]byte, error) {
	sig, err := s.chips.SignDigest(ctx, s.slot, digest32)
	if err != nil {
		return nil, fmt.Errorf("chip slot %d: %w", s.slot, err)
	}
	if err := verifySigner(digest32, sig, s.addr); err != nil {
		return nil, fmt.Errorf("chip slot %d: %w", s.slot, err)
	}
	return sig, nil
}

// Multisig collects signatures from a chip quorum. Combining them is left to the
// account contract, so a multisig selection never broadcasts.
type Multisig struct {
	addr      common.Address
	threshold int
	slots     []int
	chips     ChipSession
}

func (m *Multisig) Address() common.Address { return m.addr }

// Collect signs digest32 with chips in slot order until threshold signatures are gathered.
// Failing chips are skipped.
func (m *Multisig) Collect(ctx context.Context, digest32 []byte) (*protocol.SignatureBundle, error) {
	bundle := &protocol.SignatureBundle{
		Account:   m.addr.Hex(),
		Digest:    hexutil.Encode(digest32),
		Threshold: m.threshold,
	}
	var errs []error
	for _, slot := range m.slots {
		if len(bundle.Signatures) >= m.threshold {
			break
		}
		sig, err := m.chips.SignDigest(ctx, slot, digest32)
		if err != nil {
			log.Warn("multisig chip failed", "slot", slot, "error", err)
			errs = append(errs, fmt.Errorf("slot %d: %w", slot, err))
			continue
		}
		pub, err := crypto.SigToPub(digest32, sig)
		if err != nil {
			errs = append(errs, fmt.Errorf("slot %d: recover: %w", slot, err))
			continue
		}
		sigHexV27, err := sigHex(sig)
		if err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", slot, err))
			continue
		}
		bundle.Signatures = append(bundle.Signatures, protocol.ChipSignature{
			Slot:      slot,
			Signer:    crypto.PubkeyToAddress(*pub).Hex(),
			Signature: sigHexV27,
		})
	}
	if len(bundle.Signatures) < m.threshold {
		return nil, fmt.Errorf("%w: %d of %d chip signatures: %v",
			protocol.ErrSigningFailure, len(bundle.Signatures), m.threshold, errors.Join(errs...))
	}
	return bundle, nil
}

// Selection is the backend chosen for one account. Exactly one of Single and Multisig is set.
type Selection struct {
	Type     keystore.AccountType
	Single   Signer
	Multisig *Multisig
}

type Selector struct {
	keys  KeySource
	chips ChipSession
}

// NewSelector builds a selector. chips may be nil when no chip bridge is available.
func NewSelector(keys KeySource, chips ChipSession) *Selector {
	return &Selector{keys: keys, chips: chips}
}

// Select applies the strict priority multisig, single chip, legacy chip link, standard key.
// A locked store or an address the store does not hold yields protocol.ErrWalletLocked.
func (s *Selector) Select(_ context.Context, address common.Address) (*Selection, error) {
	if !s.keys.IsUnlocked() {
		return nil, keystore.ErrLocked
	}
	acct, err := s.keys.Account(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrWalletLocked, address.Hex(), err)
	}

	switch {
	case acct.Multisig != nil && acct.Multisig.Threshold > 0:
		if err := s.requireChips(); err != nil {
			return nil, err
		}
		if len(acct.Multisig.Slots) < acct.Multisig.Threshold {
			return nil, fmt.Errorf("%w: multisig %s has %d chips for threshold %d",
				protocol.ErrSigningFailure, address.Hex(), len(acct.Multisig.Slots), acct.Multisig.Threshold)
		}
		return &Selection{Type: keystore.TypeMultisig, Multisig: &Multisig{
			addr:      acct.Address,
			threshold: acct.Multisig.Threshold,
			slots:     append([]int(nil), acct.Multisig.Slots...),
			chips:     s.chips,
		}}, nil
	case acct.ChipSlot != nil:
		if err := s.requireChips(); err != nil {
			return nil, err
		}
		return &Selection{Type: keystore.TypeChip, Single: &ChipSigner{addr: acct.Address, slot: *acct.ChipSlot, chips: s.chips}}, nil
	case acct.LinkedChipSlot != nil:
		if err := s.requireChips(); err != nil {
			return nil, err
		}
		return &Selection{Type: keystore.TypeLegacyChip, Single: &ChipSigner{addr: acct.Address, slot: *acct.LinkedChipSlot, chips: s.chips}}, nil
	default:
		return &Selection{Type: keystore.TypeStandard, Single: &StandardSigner{addr: acct.Address, keys: s.keys}}, nil
	}
}

func (s *Selector) requireChips() error {
	if s.chips == nil {
		return fmt.Errorf("%w: no chip bridge available", protocol.ErrSigningFailure)
	}
	return nil
}

// SignDigest signs digest32 and returns either a 0x signature (V = 27/28) or a multisig bundle.
func (sel *Selection) SignDigest(ctx context.Context, digest32 []byte) (any, error) {
	if sel.Multisig != nil {
		return sel.Multisig.Collect(ctx, digest32)
	}
	sig, err := sel.Single.SignHash(ctx, digest32)
	if err != nil {
		return nil, signingFailure(err)
	}
	out, err := sigHex(sig)
	if err != nil {
		return nil, signingFailure(err)
	}
	return out, nil
}

// SignTx signs tx for chainID. Multisig selections return the bundle over the signing
// hash and a nil transaction.
func (sel *Selection) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, *protocol.SignatureBundle, error) {
	txSigner := types.LatestSignerForChainID(chainID)
	h := txSigner.Hash(tx)

	if sel.Multisig != nil {
		bundle, err := sel.Multisig.Collect(ctx, h.Bytes())
		if err != nil {
			return nil, nil, err
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, nil, fmt.Errorf("encode unsigned tx: %w", err)
		}
		bundle.UnsignedTx = hexutil.Encode(raw)
		return nil, bundle, nil
	}

	sig, err := sel.Single.SignHash(ctx, h.Bytes())
	if err != nil {
		return nil, nil, signingFailure(err)
	}
	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, nil, signingFailure(err)
	}
	return signed, nil, nil
}

func signingFailure(err error) error {
	if errors.Is(err, protocol.ErrWalletLocked) || errors.Is(err, protocol.ErrSigningFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", protocol.ErrSigningFailure, err)
}

func verifySigner(digest32, sig []byte, want common.Address) error {
	pub, err := crypto.SigToPub(digest32, sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != want {
		return fmt.Errorf("chip signed as %s, account is %s", got.Hex(), want.Hex())
	}
	return nil
}
