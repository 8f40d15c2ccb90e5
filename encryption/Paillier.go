package encryption

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/roasbeef/go-go-gadget-paillier"
)

// PaillierAdapter wraps an additively homomorphic paillier key pair.
type PaillierAdapter struct {
	keySize    int
	privateKey *paillier.PrivateKey
	publicKey  *paillier.PublicKey
}

// NewPaillierAdapter creates an adapter; call Initialize or UnmarshalKey
// before use.
func NewPaillierAdapter(keySize int) *PaillierAdapter {
	return &PaillierAdapter{keySize: keySize}
}

// Initialize generates a fresh key pair
func (p *PaillierAdapter) Initialize() error {
	var err error
	p.privateKey, err = paillier.GenerateKey(rand.Reader, p.keySize)
	if err != nil {
		return fmt.Errorf("failed to generate Paillier key: %w", err)
	}
	p.publicKey = &p.privateKey.PublicKey
	return nil
}

// Name returns the name of the encryption scheme
func (p *PaillierAdapter) Name() string {
	return fmt.Sprintf("Paillier-%d", p.keySize)
}

// Encrypt encrypts a big.Int value
func (p *PaillierAdapter) Encrypt(value *big.Int) ([]byte, error) {
	if p.publicKey == nil {
		return nil, fmt.Errorf("public key not set")
	}

	return paillier.Encrypt(p.publicKey, value.Bytes())
}

// Decrypt decrypts a ciphertext back to its big.Int value
func (p *PaillierAdapter) Decrypt(ciphertext []byte) (*big.Int, error) {
	if p.privateKey == nil {
		return nil, fmt.Errorf("private key not set")
	}

	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("ciphertext is empty")
	}

	plaintext, err := paillier.Decrypt(p.privateKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return new(big.Int).SetBytes(plaintext), nil
}

// Add performs homomorphic addition of two ciphertexts
func (p *PaillierAdapter) Add(ciphertext1, ciphertext2 []byte) ([]byte, error) {
	if p.publicKey == nil {
		return nil, fmt.Errorf("public key not set")
	}

	return paillier.AddCipher(p.publicKey, ciphertext1, ciphertext2), nil
}

// MarshalKey serializes the private key for storage.
func (p *PaillierAdapter) MarshalKey() ([]byte, error) {
	if p.privateKey == nil {
		return nil, fmt.Errorf("private key not set")
	}
	return json.Marshal(p.privateKey)
}

// UnmarshalKey restores a key produced by MarshalKey.
func (p *PaillierAdapter) UnmarshalKey(data []byte) error {
	var key paillier.PrivateKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to unmarshal Paillier key: %w", err)
	}
	p.privateKey = &key
	p.publicKey = &key.PublicKey
	if key.N != nil {
		p.keySize = key.N.BitLen()
	}
	return nil
}
