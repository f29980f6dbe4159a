// Package pairing hands out short one-time codes that let the extension prove it was
// set up by the person at this machine.
package pairing

import (
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long an offered code can be redeemed.
const DefaultTTL = 60 * time.Second

var (
	ErrUnknownOffer = errors.New("pairing: unknown or already used offer")
	ErrExpired      = errors.New("pairing: offer expired")
	ErrWrongCode    = errors.New("pairing: wrong code")
)

func GeneratePairCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0 O I 1
	const length = 8

	b := make([]byte, length)
	if _, err := crand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b), nil
}

func HashCode(code string) []byte {
	h := sha256.Sum256([]byte(code))
	return h[:]
}

// Offer is shown to the user; only the hash of Code is kept.
type Offer struct {
	ID        string    `json:"pairId"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type pending struct {
	hash      []byte
	expiresAt time.Time
}

// Book tracks outstanding offers. Each offer redeems at most once.
type Book struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	offers map[string]pending
}

func NewBook(ttl time.Duration) *Book {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Book{ttl: ttl, now: time.Now, offers: make(map[string]pending)}
}

func (b *Book) Offer() (Offer, error) {
	code, err := GeneratePairCode()
	if err != nil {
		return Offer{}, err
	}
	o := Offer{ID: uuid.NewString(), Code: code, ExpiresAt: b.now().Add(b.ttl)}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.offers {
		if b.now().After(p.expiresAt) {
			delete(b.offers, id)
		}
	}
	b.offers[o.ID] = pending{hash: HashCode(code), expiresAt: o.ExpiresAt}
	return o, nil
}

// Redeem consumes the offer. A wrong code also burns it.
func (b *Book) Redeem(id, code string) error {
	b.mu.Lock()
	p, ok := b.offers[id]
	delete(b.offers, id)
	b.mu.Unlock()

	switch {
	case !ok:
		return ErrUnknownOffer
	case b.now().After(p.expiresAt):
		return ErrExpired
	case subtle.ConstantTimeCompare(p.hash, HashCode(code)) != 1:
		return ErrWrongCode
	}
	return nil
}
