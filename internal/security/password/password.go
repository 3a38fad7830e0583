// Package password hashes the two credential formats the subsystems store:
// bcrypt for the legacy user record and scrypt for IAM credential accounts.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// ErrMismatch is returned when a password does not match its hash.
var ErrMismatch = errors.New("password mismatch")

// scrypt parameters of IAM credential hashes.
const (
	scryptN      = 16384
	scryptR      = 16
	scryptP      = 1
	scryptKeyLen = 64
	saltLen      = 16
)

// Hasher produces both hash formats. Cost is the bcrypt cost.
type Hasher struct {
	Cost int
}

// NewHasher returns a Hasher with the given bcrypt cost, clamped to bcrypt's range.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = min(max(cost, bcrypt.MinCost), bcrypt.MaxCost)
	return &Hasher{Cost: cost}
}

// HashLegacy returns the bcrypt hash stored on the canonical user record.
func (h *Hasher) HashLegacy(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash: %w", err)
	}
	return string(b), nil
}

// CompareLegacy verifies a password against a bcrypt hash.
func (h *Hasher) CompareLegacy(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrMismatch
		}
		return fmt.Errorf("bcrypt compare: %w", err)
	}
	return nil
}

// HashIAM returns an IAM credential hash encoded as "<salt hex>:<key hex>".
func (h *Hasher) HashIAM(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)
	key, err := deriveKey(password, saltHex)
	if err != nil {
		return "", err
	}
	return saltHex + ":" + hex.EncodeToString(key), nil
}

// CompareIAM verifies a password against an encoded scrypt hash in constant time.
func (h *Hasher) CompareIAM(encoded, password string) error {
	saltHex, keyHex, ok := strings.Cut(encoded, ":")
	if !ok {
		return fmt.Errorf("malformed scrypt hash")
	}
	want, err := hex.DecodeString(keyHex)
	if err != nil {
		return fmt.Errorf("malformed scrypt hash: %w", err)
	}
	got, err := deriveKey(password, saltHex)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return ErrMismatch
	}
	return nil
}

func deriveKey(password, salt string) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt derive: %w", err)
	}
	return key, nil
}
