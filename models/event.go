package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Event bus topics.
const (
	TopicFeeComputed   = "fee:computed"
	TopicPolicyUpdated = "fee:policy"
)

// FeeComputedEvent is published once per successful computation. It carries
// only the requester and the public handle.
type FeeComputedEvent struct {
	ID        string         `json:"id"`
	Requester common.Address `json:"requester"`
	Handle    common.Hash    `json:"handle"`
	Timestamp int64          `json:"timestamp"`
}

type PolicyUpdatedEvent struct {
	ID        string         `json:"id"`
	Field     string         `json:"field"`
	Caller    common.Address `json:"caller"`
	Timestamp int64          `json:"timestamp"`
}

func NewFeeComputedEvent(requester common.Address, handle common.Hash) FeeComputedEvent {
	return FeeComputedEvent{
		ID:        uuid.New().String(),
		Requester: requester,
		Handle:    handle,
		Timestamp: time.Now().Unix(),
	}
}

func NewPolicyUpdatedEvent(field string, caller common.Address) PolicyUpdatedEvent {
	return PolicyUpdatedEvent{
		ID:        uuid.New().String(),
		Field:     field,
		Caller:    caller,
		Timestamp: time.Now().Unix(),
	}
}
