package encryption

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// Signing domains. Each signed message starts with one of these so a
// signature for one purpose cannot be replayed for another.
const (
	DomainInput   = "fee-input"
	DomainDecrypt = "fee-decrypt"
)

type CryptoService struct{}

func NewCryptoService() *CryptoService {
	return &CryptoService{}
}

// GenerateKeyPair generates a new secp256k1 key pair
func (cs *CryptoService) GenerateKeyPair() (*ecdsa.PrivateKey, error) {
	return crypto.GenerateKey()
}

// Keccak256 computes Keccak-256 hash
func (cs *CryptoService) Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Sign signs a 32-byte digest.
func (cs *CryptoService) Sign(digest []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	return crypto.Sign(digest, privateKey)
}

// RecoverPublicKey recovers the signer of a 32-byte digest. Wallet-style
// signatures with V in {27, 28} are accepted.
func (cs *CryptoService) RecoverPublicKey(digest, signature []byte) (*ecdsa.PublicKey, error) {
	if len(signature) != crypto.SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	return crypto.SigToPub(digest, sig)
}

// RecoverAddress recovers the address that signed a 32-byte digest.
func (cs *CryptoService) RecoverAddress(digest, signature []byte) (common.Address, error) {
	pub, err := cs.RecoverPublicKey(digest, signature)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// InputDigest is the message a sender signs to attest an encrypted input.
func (cs *CryptoService) InputDigest(ciphertext []byte, target, sender common.Address) []byte {
	return cs.Keccak256([]byte(DomainInput), cs.Keccak256(ciphertext), target.Bytes(), sender.Bytes())
}

// DecryptDigest is the message a grantee signs to request a re-encryption.
func (cs *CryptoService) DecryptDigest(handle common.Hash) []byte {
	return cs.Keccak256([]byte(DomainDecrypt), handle.Bytes())
}

// PayloadDigest is the message signed for an API envelope.
func (cs *CryptoService) PayloadDigest(payload []byte) []byte {
	return cs.Keccak256(payload)
}

// ParsePrivateKey parses a hex private key, with or without 0x prefix.
func ParsePrivateKey(keyStr string) (*ecdsa.PrivateKey, error) {
	keyStr = strings.TrimPrefix(strings.TrimSpace(keyStr), "0x")

	privateKey, err := crypto.HexToECDSA(keyStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// LoadOrGenerateKey loads a hex key file, creating it with a fresh key when
// it does not exist yet.
func LoadOrGenerateKey(path string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.LoadECDSA(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load key %s: %w", path, err)
	}

	key, err = crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("failed to save key %s: %w", path, err)
	}
	return key, nil
}
