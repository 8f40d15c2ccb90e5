package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Journal block kinds, one per kind of state transition.
const (
	KindFee       = "fee"
	KindPrice     = "price"
	KindMaxBlocks = "max_blocks"
	KindAuthority = "authority"
)

type Block struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Data      []byte `json:"data"`
	PrevHash  []byte `json:"prev_hash"`
	Hash      []byte `json:"hash"`
}

func NewBlock(index uint64, kind string, data []byte, prevHash []byte, timestamp int64) *Block {
	block := &Block{
		Index:     index,
		Timestamp: timestamp,
		Kind:      kind,
		Data:      data,
		PrevHash:  prevHash,
	}
	block.Hash = block.calculateHash()
	return block
}

// NextTimestamp keeps journal timestamps strictly increasing even when two
// transitions land in the same second.
func NextTimestamp(last int64) int64 {
	now := time.Now().Unix()
	if now <= last {
		return last + 1
	}
	return now
}

func (b *Block) calculateHash() []byte {
	buffer := new(bytes.Buffer)
	binary.Write(buffer, binary.BigEndian, b.Index)
	binary.Write(buffer, binary.BigEndian, b.Timestamp)
	binary.Write(buffer, binary.BigEndian, uint32(len(b.Kind)))
	buffer.WriteString(b.Kind)
	binary.Write(buffer, binary.BigEndian, uint32(len(b.Data)))
	buffer.Write(b.Data)
	buffer.Write(b.PrevHash)

	return crypto.Keccak256(buffer.Bytes())
}

func (b *Block) Validate() bool {
	return bytes.Equal(b.calculateHash(), b.Hash)
}

// ValidateChain checks hashes, links, indexes and timestamp ordering of the
// journal. An empty chain is valid.
func ValidateChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return nil
	}

	if !blocks[0].Validate() {
		return fmt.Errorf("genesis block has invalid hash %x", blocks[0].Hash)
	}
	if blocks[0].Index != 0 {
		return fmt.Errorf("genesis block has index %d", blocks[0].Index)
	}

	for i := 1; i < len(blocks); i++ {
		current := blocks[i]
		previous := blocks[i-1]

		if !current.Validate() {
			return fmt.Errorf("block %d has invalid hash", i)
		}
		if !bytes.Equal(current.PrevHash, previous.Hash) {
			return fmt.Errorf("block %d has invalid previous hash link", i)
		}
		if current.Index != previous.Index+1 {
			return fmt.Errorf("block %d has invalid index", i)
		}
		if current.Timestamp <= previous.Timestamp {
			return fmt.Errorf("block %d has invalid timestamp", i)
		}
	}

	return nil
}
