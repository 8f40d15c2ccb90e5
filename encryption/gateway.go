package encryption

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"go.uber.org/zap"

	"fee-backend/models"
)

// AccessChecker answers whether an identity holds a decrypt grant.
type AccessChecker interface {
	IsAllowed(handle common.Hash, who common.Address) (bool, error)
}

// Gateway reveals committed results to their grantees. The plaintext never
// leaves in the clear: it is re-encrypted to the public key recovered from the
// request signature.
type Gateway struct {
	cop    *Coprocessor
	acl    AccessChecker
	crypto *CryptoService
	logger *zap.Logger
}

func NewGateway(cop *Coprocessor, acl AccessChecker, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cop:    cop,
		acl:    acl,
		crypto: NewCryptoService(),
		logger: logger.With(zap.String("module", "gateway")),
	}
}

// UserDecrypt re-encrypts the value behind handle for the signer of the
// request, provided the signer holds a grant on it.
func (g *Gateway) UserDecrypt(handle common.Hash, signature []byte) ([]byte, error) {
	pub, err := g.crypto.RecoverPublicKey(g.crypto.DecryptDigest(handle), signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotAuthorized, err)
	}
	requester := crypto.PubkeyToAddress(*pub)

	allowed, err := g.acl.IsAllowed(handle, requester)
	if err != nil {
		return nil, fmt.Errorf("failed to check grant: %w", err)
	}
	if !allowed {
		g.logger.Warn("decrypt refused", zap.String("requester", requester.Hex()), zap.String("handle", handle.Hex()))
		return nil, fmt.Errorf("%w: %s holds no grant on %s", models.ErrNotAuthorized, requester.Hex(), handle.Hex())
	}

	v, err := g.cop.Reveal(handle)
	if err != nil {
		return nil, err
	}

	var plaintext [8]byte
	binary.BigEndian.PutUint64(plaintext[:], v)
	out, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext[:], []byte(DomainDecrypt), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encrypt result: %w", err)
	}

	g.logger.Info("result re-encrypted", zap.String("requester", requester.Hex()), zap.String("handle", handle.Hex()))
	return out, nil
}

// SignDecryptRequest is the client-side signature for Gateway.UserDecrypt.
func SignDecryptRequest(key *ecdsa.PrivateKey, handle common.Hash) ([]byte, error) {
	cs := NewCryptoService()
	return cs.Sign(cs.DecryptDigest(handle), key)
}

// OpenUserDecrypt recovers the plaintext from a UserDecrypt response.
func OpenUserDecrypt(key *ecdsa.PrivateKey, reencrypted []byte) (uint64, error) {
	plaintext, err := ecies.ImportECDSA(key).Decrypt(reencrypted, []byte(DomainDecrypt), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open result: %w", err)
	}
	if len(plaintext) != 8 {
		return 0, fmt.Errorf("unexpected result length %d", len(plaintext))
	}
	return binary.BigEndian.Uint64(plaintext), nil
}
