package service

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"fee-backend/custody"
	"fee-backend/encryption"
	"fee-backend/fee"
	"fee-backend/models"
	"fee-backend/storage"
)

const ledgerChain = "ledger"

// Policy fields as they appear in events, metrics and the journal.
const (
	FieldPricePerBlock = "price_per_block"
	FieldMaxBlocks     = "max_blocks"
	FieldAuthority     = "authority"
)

// ErrRevenueDisabled is returned by Revenue when no accumulator is configured.
var ErrRevenueDisabled = errors.New("revenue accumulation disabled")

var policyKey = []byte("policy")

// Config seeds a fresh deployment. Once a policy is persisted, the stored
// state wins over Pricing and Owner.
type Config struct {
	Pricing        models.PricingConfig
	Owner          common.Address
	Contract       common.Address
	RevenueKeyBits int
}

// FeeService computes confidential fees and keeps their custody. All
// state-mutating calls are serialized by one mutex, which also serializes
// use of the coprocessor's transient tier.
type FeeService struct {
	mu       sync.RWMutex
	cop      *encryption.Coprocessor
	gateway  *encryption.Gateway
	acl      *custody.ACL
	results  *custody.ResultStore
	kv       storage.KV
	journal  storage.Journal
	ledger   []*models.Block
	policy   models.PolicyState
	contract common.Address
	bus      EventBus.Bus
	metrics  *MetricsCollector
	revenue  *RevenueAccumulator
	logger   *zap.Logger
}

func NewFeeService(cfg Config, networkKey *ecdsa.PrivateKey, kv storage.KV, journal storage.Journal, logger *zap.Logger) (*FeeService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: contract address not set", models.ErrInvalidPolicy)
	}

	cop, err := encryption.NewCoprocessor(networkKey, kv, logger)
	if err != nil {
		return nil, err
	}
	acl := custody.NewACL(kv)

	s := &FeeService{
		cop:      cop,
		gateway:  encryption.NewGateway(cop, acl, logger),
		acl:      acl,
		results:  custody.NewResultStore(kv),
		kv:       kv,
		journal:  journal,
		contract: cfg.Contract,
		bus:      EventBus.New(),
		metrics:  NewMetricsCollector(),
		logger:   logger.With(zap.String("module", "fee-service")),
	}

	if err := s.loadPolicy(cfg); err != nil {
		return nil, err
	}

	ledger, err := journal.LoadChain(ledgerChain)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	if err := models.ValidateChain(ledger); err != nil {
		return nil, fmt.Errorf("ledger is corrupt: %w", err)
	}
	s.ledger = ledger

	if cfg.RevenueKeyBits > 0 {
		s.revenue, err = NewRevenueAccumulator(kv, cfg.RevenueKeyBits)
		if err != nil {
			return nil, err
		}
	}

	s.metrics.SetLadderRungs(fee.LadderTop(s.policy.Pricing.MaxBlocks) + 1)
	s.logger.Info("fee service ready",
		zap.Uint64("price_per_block", s.policy.Pricing.PricePerBlock),
		zap.Uint16("max_blocks", s.policy.Pricing.MaxBlocks),
		zap.Uint64("block_size_minutes", s.policy.Pricing.BlockSizeMinutes),
		zap.String("authority", s.policy.Owner.Hex()),
		zap.String("contract", s.contract.Hex()),
		zap.Int("ledger_blocks", len(s.ledger)))
	return s, nil
}

func (s *FeeService) loadPolicy(cfg Config) error {
	raw, err := s.kv.Get(policyKey)
	if err == nil {
		if err := json.Unmarshal(raw, &s.policy); err != nil {
			return fmt.Errorf("failed to unmarshal policy: %w", err)
		}
		if cfg.Pricing.BlockSizeMinutes != 0 && cfg.Pricing.BlockSizeMinutes != s.policy.Pricing.BlockSizeMinutes {
			s.logger.Warn("block size is fixed per deployment, ignoring configured value",
				zap.Uint64("configured", cfg.Pricing.BlockSizeMinutes),
				zap.Uint64("stored", s.policy.Pricing.BlockSizeMinutes))
		}
		return s.policy.Pricing.Validate()
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to load policy: %w", err)
	}

	state := models.PolicyState{Pricing: cfg.Pricing, Owner: cfg.Owner}
	if err := validatePolicy(state); err != nil {
		return err
	}
	if err := s.storePolicy(state); err != nil {
		return err
	}
	s.policy = state
	return nil
}

func validatePolicy(state models.PolicyState) error {
	if state.Owner == (common.Address{}) {
		return fmt.Errorf("%w: authority is the zero address", models.ErrInvalidPolicy)
	}
	return state.Pricing.Validate()
}

func (s *FeeService) storePolicy(state models.PolicyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	if err := s.kv.Set(policyKey, data); err != nil {
		return fmt.Errorf("failed to store policy: %w", err)
	}
	return nil
}

// ComputeFee ingests an encrypted duration from sender, computes its fee
// under the current policy and stores the result as sender's latest. Only
// sender and the contract may decrypt it.
func (s *FeeService) ComputeFee(sender common.Address, ciphertext, proof []byte) (common.Hash, error) {
	start := time.Now()

	s.mu.Lock()
	handle, err := s.computeLocked(sender, ciphertext, proof)
	s.mu.Unlock()

	s.metrics.RecordComputation(time.Since(start), err)
	if err != nil {
		s.logger.Warn("fee computation failed", zap.String("requester", sender.Hex()), zap.Error(err))
		return common.Hash{}, err
	}

	s.bus.Publish(models.TopicFeeComputed, models.NewFeeComputedEvent(sender, handle))
	return handle, nil
}

func (s *FeeService) computeLocked(sender common.Address, ciphertext, proof []byte) (common.Hash, error) {
	minutes, err := s.cop.Ingest(ciphertext, proof, s.contract, sender)
	if err != nil {
		s.cop.Discard()
		return common.Hash{}, err
	}

	encryptedFee, err := fee.Compute(s.cop, minutes, s.policy.Pricing)
	if err != nil {
		s.cop.Discard()
		return common.Hash{}, fmt.Errorf("failed to compute fee: %w", err)
	}
	handle := encryptedFee.Handle()

	if err := s.cop.Commit(handle); err != nil {
		s.cop.Discard()
		return common.Hash{}, err
	}

	// Every durable write below is undone if a later one fails, so a failed
	// computation leaves no grant, result or ciphertext behind.
	var undo []func() error
	fail := func(err error) (common.Hash, error) {
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				s.logger.Error("failed to roll back fee computation", zap.String("handle", handle.Hex()), zap.Error(uerr))
			}
		}
		return common.Hash{}, err
	}
	undo = append(undo, func() error { return s.cop.Forget(handle) })

	for _, who := range []common.Address{s.contract, sender} {
		if err := s.acl.Allow(handle, who); err != nil {
			return fail(err)
		}
		grantee := who
		undo = append(undo, func() error { return s.acl.Revoke(handle, grantee) })
	}

	previous, err := s.results.Get(sender)
	switch {
	case err == nil:
		undo = append(undo, func() error { return s.results.Put(previous) })
	case errors.Is(err, custody.ErrNoResult):
		undo = append(undo, func() error { return s.results.Delete(sender) })
	default:
		return fail(err)
	}
	record := models.ResultRecord{Owner: sender, Ciphertext: handle, UpdatedAt: time.Now().Unix()}
	if err := s.results.Put(record); err != nil {
		return fail(err)
	}

	if err := s.appendBlock(models.KindFee, models.FeeRecord{Requester: sender, Handle: handle}); err != nil {
		return fail(err)
	}

	if s.revenue != nil {
		exported, err := s.cop.ExportTo(handle, s.revenue)
		if err == nil {
			err = s.revenue.Accumulate(exported)
		}
		if err != nil {
			// the fee itself is stored; only the aggregate misses it
			s.logger.Error("failed to accumulate revenue", zap.String("handle", handle.Hex()), zap.Error(err))
		}
	}

	s.logger.Info("fee computed", zap.String("requester", sender.Hex()), zap.String("handle", handle.Hex()))
	return handle, nil
}

// SetPricePerBlock replaces the per-block price. Owner only.
func (s *FeeService) SetPricePerBlock(caller common.Address, price uint64) error {
	return s.updatePolicy(caller, FieldPricePerBlock, models.KindPrice, strconv.FormatUint(price, 10), func(p *models.PolicyState) {
		p.Pricing.PricePerBlock = price
	})
}

// SetMaxBlocks replaces the block cap. Owner only. The new cap also bounds
// the subtraction ladder of later computations.
func (s *FeeService) SetMaxBlocks(caller common.Address, maxBlocks uint16) error {
	return s.updatePolicy(caller, FieldMaxBlocks, models.KindMaxBlocks, strconv.FormatUint(uint64(maxBlocks), 10), func(p *models.PolicyState) {
		p.Pricing.MaxBlocks = maxBlocks
	})
}

// TransferAuthority hands policy ownership to next. Owner only.
func (s *FeeService) TransferAuthority(caller, next common.Address) error {
	return s.updatePolicy(caller, FieldAuthority, models.KindAuthority, next.Hex(), func(p *models.PolicyState) {
		p.Owner = next
	})
}

func (s *FeeService) updatePolicy(caller common.Address, field, kind, value string, mutate func(*models.PolicyState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if caller != s.policy.Owner {
		s.logger.Warn("policy update refused", zap.String("field", field), zap.String("caller", caller.Hex()))
		return fmt.Errorf("%w: %s is not the policy authority", models.ErrNotAuthorized, caller.Hex())
	}

	next := s.policy
	mutate(&next)
	if err := validatePolicy(next); err != nil {
		return err
	}

	if err := s.storePolicy(next); err != nil {
		return err
	}
	if err := s.appendBlock(kind, models.PolicyChange{Caller: caller, Value: value}); err != nil {
		if rerr := s.storePolicy(s.policy); rerr != nil {
			s.logger.Error("failed to restore policy", zap.String("field", field), zap.Error(rerr))
		}
		return err
	}
	s.policy = next

	s.metrics.RecordPolicyUpdate(field)
	s.metrics.SetLadderRungs(fee.LadderTop(next.Pricing.MaxBlocks) + 1)
	s.logger.Info("policy updated", zap.String("field", field), zap.String("value", value))
	s.bus.Publish(models.TopicPolicyUpdated, models.NewPolicyUpdatedEvent(field, caller))
	return nil
}

func (s *FeeService) appendBlock(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s entry: %w", kind, err)
	}

	var (
		index    uint64
		last     int64
		prevHash = make([]byte, 32)
	)
	if n := len(s.ledger); n > 0 {
		previous := s.ledger[n-1]
		index = previous.Index + 1
		last = previous.Timestamp
		prevHash = previous.Hash
	}

	block := models.NewBlock(index, kind, data, prevHash, models.NextTimestamp(last))
	if err := s.journal.SaveBlock(ledgerChain, block); err != nil {
		return fmt.Errorf("failed to save %s entry: %w", kind, err)
	}
	s.ledger = append(s.ledger, block)
	return nil
}

// LatestHandle returns the handle of the caller's own latest fee.
func (s *FeeService) LatestHandle(caller common.Address) (common.Hash, error) {
	record, err := s.results.Get(caller)
	if err != nil {
		return common.Hash{}, err
	}
	return record.Ciphertext, nil
}

// Decrypt re-encrypts a fee for the signer of the request.
func (s *FeeService) Decrypt(handle common.Hash, signature []byte) ([]byte, error) {
	out, err := s.gateway.UserDecrypt(handle, signature)
	s.metrics.RecordDecrypt(err)
	return out, err
}

// Revenue decrypts the running total of all fees. Owner only.
func (s *FeeService) Revenue(caller common.Address) (*big.Int, error) {
	s.mu.RLock()
	owner := s.policy.Owner
	s.mu.RUnlock()

	if caller != owner {
		return nil, fmt.Errorf("%w: %s is not the policy authority", models.ErrNotAuthorized, caller.Hex())
	}
	if s.revenue == nil {
		return nil, ErrRevenueDisabled
	}
	return s.revenue.Total()
}

func (s *FeeService) Policy() models.PolicyState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *FeeService) PricePerBlock() uint64 { return s.Policy().Pricing.PricePerBlock }

func (s *FeeService) MaxBlocks() uint16 { return s.Policy().Pricing.MaxBlocks }

func (s *FeeService) BlockSizeMinutes() uint64 { return s.Policy().Pricing.BlockSizeMinutes }

func (s *FeeService) Authority() common.Address { return s.Policy().Owner }

// Contract is the computing authority inputs are bound to.
func (s *FeeService) Contract() common.Address { return s.contract }

func (s *FeeService) NetworkPublicKey() *ecdsa.PublicKey { return s.cop.NetworkPublicKey() }

// Ledger returns a copy of the journal.
func (s *FeeService) Ledger() []*models.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blocks := make([]*models.Block, len(s.ledger))
	copy(blocks, s.ledger)
	return blocks
}

func (s *FeeService) ValidateLedger() error {
	return models.ValidateChain(s.Ledger())
}

// Bus is where FeeComputedEvent and PolicyUpdatedEvent are published.
func (s *FeeService) Bus() EventBus.Bus { return s.bus }

func (s *FeeService) Metrics() *MetricsCollector { return s.metrics }
