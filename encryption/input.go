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

// inputBinding is the ECIES shared info tying an input ciphertext to the
// contract it targets and the account that produced it.
func inputBinding(target, sender common.Address) []byte {
	return append(target.Bytes(), sender.Bytes()...)
}

// EncryptInput is the client-side producer of an encrypted input. It
// encrypts value to the network key, bound to target and to the sender, and
// returns the sender's signature over the ciphertext as proof.
func EncryptInput(networkKey *ecdsa.PublicKey, value uint64, target common.Address, senderKey *ecdsa.PrivateKey) (ciphertext, proof []byte, err error) {
	sender := crypto.PubkeyToAddress(senderKey.PublicKey)

	var plaintext [8]byte
	binary.BigEndian.PutUint64(plaintext[:], value)

	ciphertext, err = ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(networkKey), plaintext[:], inputBinding(target, sender), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encrypt input: %w", err)
	}

	cs := NewCryptoService()
	proof, err = cs.Sign(cs.InputDigest(ciphertext, target, sender), senderKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign input: %w", err)
	}
	return ciphertext, proof, nil
}

// Ingest accepts an external ciphertext once its proof recovers to sender and
// the ciphertext opens under the target and sender binding.
func (c *Coprocessor) Ingest(external, proof []byte, target, sender common.Address) (EncryptedInt, error) {
	if len(proof) == 0 {
		return EncryptedInt{}, fmt.Errorf("%w: empty proof", models.ErrInvalidProof)
	}
	if len(external) == 0 {
		return EncryptedInt{}, fmt.Errorf("%w: empty ciphertext", models.ErrInvalidProof)
	}

	signer, err := c.crypto.RecoverAddress(c.crypto.InputDigest(external, target, sender), proof)
	if err != nil {
		return EncryptedInt{}, fmt.Errorf("%w: %v", models.ErrInvalidProof, err)
	}
	if signer != sender {
		return EncryptedInt{}, fmt.Errorf("%w: proof signed by %s", models.ErrInvalidProof, signer.Hex())
	}

	plaintext, err := c.network.Decrypt(external, inputBinding(target, sender), nil)
	if err != nil || len(plaintext) != 8 {
		return EncryptedInt{}, fmt.Errorf("%w: ciphertext not formed for this target and sender", models.ErrInvalidProof)
	}

	in, err := c.sealInt(binary.BigEndian.Uint64(plaintext))
	if err != nil {
		return EncryptedInt{}, err
	}
	c.logger.Debug("ingested input", zap.String("sender", sender.Hex()), zap.String("handle", in.handle.Hex()))
	return in, nil
}
