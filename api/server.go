// File: api/server.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fee-backend/custody"
	"fee-backend/encryption"
	"fee-backend/models"
	"fee-backend/service"
)

// Signed envelope actions. The action is part of the signed payload so a
// signature for one endpoint cannot be replayed against another.
const (
	ActionSetPrice     = "set_price"
	ActionSetMaxBlocks = "set_max_blocks"
	ActionTransfer     = "transfer_authority"
	ActionLatest       = "latest"
	ActionRevenue      = "revenue"
)

type ComputeFeeRequest struct {
	Sender     string `json:"sender"`
	Ciphertext string `json:"ciphertext"`
	Proof      string `json:"proof"`
}

type ComputeFeeResponse struct {
	Handle    string `json:"handle"`
	RequestID string `json:"request_id"`
}

// SignedRequest carries a JSON payload and the caller's signature over
// keccak256(payload).
type SignedRequest struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type SignedPayload struct {
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

type DecryptRequest struct {
	Handle    string `json:"handle"`
	Signature string `json:"signature"`
}

type PolicyResponse struct {
	PricePerBlock    uint64 `json:"price_per_block"`
	MaxBlocks        uint16 `json:"max_blocks"`
	BlockSizeMinutes uint64 `json:"block_size_minutes"`
	Authority        string `json:"authority"`
	Contract         string `json:"contract"`
}

type LedgerResponse struct {
	Length   int             `json:"length"`
	IsValid  bool            `json:"is_valid"`
	LastHash string          `json:"last_hash"`
	Blocks   []*models.Block `json:"blocks"`
}

type Server struct {
	fees       *service.FeeService
	queue      *service.QueueProcessor
	crypto     *encryption.CryptoService
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger
	timeout    time.Duration
}

func NewServer(fees *service.FeeService, queue *service.QueueProcessor, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	s := &Server{
		fees:    fees,
		queue:   queue,
		crypto:  encryption.NewCryptoService(),
		router:  router,
		logger:  logger.With(zap.String("module", "api")),
		timeout: 30 * time.Second,
	}
	router.Use(s.requestLogger(), gin.Recovery())
	s.setupRoutes()
	s.subscribeEvents()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	api.POST("/fee", s.handleComputeFee)
	api.POST("/fee/latest", s.handleLatestHandle)
	api.GET("/policy", s.handleGetPolicy)
	api.POST("/policy/price", s.handleSetPrice)
	api.POST("/policy/max-blocks", s.handleSetMaxBlocks)
	api.POST("/policy/authority", s.handleTransferAuthority)
	api.POST("/decrypt", s.handleDecrypt)
	api.GET("/network-key", s.handleNetworkKey)
	api.GET("/ledger", s.handleGetLedger)
	api.POST("/revenue", s.handleRevenue)

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.fees.Metrics().Registry(), promhttp.HandlerOpts{})))
}

func (s *Server) subscribeEvents() {
	bus := s.fees.Bus()
	if err := bus.Subscribe(models.TopicFeeComputed, func(e models.FeeComputedEvent) {
		s.logger.Info("event", zap.String("topic", models.TopicFeeComputed), zap.String("id", e.ID),
			zap.String("requester", e.Requester.Hex()), zap.String("handle", e.Handle.Hex()))
	}); err != nil {
		s.logger.Error("failed to subscribe", zap.String("topic", models.TopicFeeComputed), zap.Error(err))
	}
	if err := bus.Subscribe(models.TopicPolicyUpdated, func(e models.PolicyUpdatedEvent) {
		s.logger.Info("event", zap.String("topic", models.TopicPolicyUpdated), zap.String("id", e.ID),
			zap.String("field", e.Field), zap.String("caller", e.Caller.Hex()))
	}); err != nil {
		s.logger.Error("failed to subscribe", zap.String("topic", models.TopicPolicyUpdated), zap.Error(err))
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", zap.Int("port", port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleComputeFee(c *gin.Context) {
	var req ComputeFeeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Sender) {
		badRequest(c, "invalid sender address")
		return
	}
	ciphertext, err := decodeHex(req.Ciphertext)
	if err != nil {
		badRequest(c, "invalid ciphertext encoding")
		return
	}
	proof, err := decodeHex(req.Proof)
	if err != nil {
		badRequest(c, "invalid proof encoding")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()
	result, err := s.queue.Submit(ctx, service.ComputeRequest{
		Sender:     common.HexToAddress(req.Sender),
		Ciphertext: ciphertext,
		Proof:      proof,
	})
	if err == nil {
		err = result.Err
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, ComputeFeeResponse{Handle: result.Handle.Hex(), RequestID: result.RequestID})
}

func (s *Server) handleLatestHandle(c *gin.Context) {
	caller, _, ok := s.verifyEnvelope(c, ActionLatest)
	if !ok {
		return
	}
	handle, err := s.fees.LatestHandle(caller)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": handle.Hex()})
}

func (s *Server) handleGetPolicy(c *gin.Context) {
	policy := s.fees.Policy()
	c.JSON(http.StatusOK, PolicyResponse{
		PricePerBlock:    policy.Pricing.PricePerBlock,
		MaxBlocks:        policy.Pricing.MaxBlocks,
		BlockSizeMinutes: policy.Pricing.BlockSizeMinutes,
		Authority:        policy.Owner.Hex(),
		Contract:         s.fees.Contract().Hex(),
	})
}

func (s *Server) handleSetPrice(c *gin.Context) {
	caller, payload, ok := s.verifyEnvelope(c, ActionSetPrice)
	if !ok {
		return
	}
	price, err := strconv.ParseUint(payload.Value, 10, 64)
	if err != nil {
		badRequest(c, "price must be an unsigned integer")
		return
	}
	s.writePolicyResult(c, s.fees.SetPricePerBlock(caller, price))
}

func (s *Server) handleSetMaxBlocks(c *gin.Context) {
	caller, payload, ok := s.verifyEnvelope(c, ActionSetMaxBlocks)
	if !ok {
		return
	}
	maxBlocks, err := strconv.ParseUint(payload.Value, 10, 16)
	if err != nil {
		badRequest(c, "max blocks must fit in 16 bits")
		return
	}
	s.writePolicyResult(c, s.fees.SetMaxBlocks(caller, uint16(maxBlocks)))
}

func (s *Server) handleTransferAuthority(c *gin.Context) {
	caller, payload, ok := s.verifyEnvelope(c, ActionTransfer)
	if !ok {
		return
	}
	if !common.IsHexAddress(payload.Value) {
		badRequest(c, "invalid authority address")
		return
	}
	s.writePolicyResult(c, s.fees.TransferAuthority(caller, common.HexToAddress(payload.Value)))
}

func (s *Server) writePolicyResult(c *gin.Context, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.handleGetPolicy(c)
}

func (s *Server) handleDecrypt(c *gin.Context) {
	var req DecryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	handle, err := decodeHex(req.Handle)
	if err != nil || len(handle) != common.HashLength {
		badRequest(c, "invalid handle")
		return
	}
	sig, err := decodeHex(req.Signature)
	if err != nil {
		badRequest(c, "invalid signature encoding")
		return
	}

	out, err := s.fees.Decrypt(common.BytesToHash(handle), sig)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reencrypted": hexutil.Encode(out)})
}

func (s *Server) handleNetworkKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"public_key": hexutil.Encode(crypto.FromECDSAPub(s.fees.NetworkPublicKey()))})
}

func (s *Server) handleGetLedger(c *gin.Context) {
	blocks := s.fees.Ledger()
	resp := LedgerResponse{
		Length:  len(blocks),
		IsValid: models.ValidateChain(blocks) == nil,
		Blocks:  blocks,
	}
	if len(blocks) > 0 {
		resp.LastHash = hexutil.Encode(blocks[len(blocks)-1].Hash)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRevenue(c *gin.Context) {
	caller, _, ok := s.verifyEnvelope(c, ActionRevenue)
	if !ok {
		return
	}
	total, err := s.fees.Revenue(caller)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total.String()})
}

// verifyEnvelope binds a SignedRequest, recovers its signer and checks the
// payload action. It writes the error response itself.
func (s *Server) verifyEnvelope(c *gin.Context, action string) (common.Address, SignedPayload, bool) {
	var req SignedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return common.Address{}, SignedPayload{}, false
	}
	sig, err := decodeHex(req.Signature)
	if err != nil {
		badRequest(c, "invalid signature encoding")
		return common.Address{}, SignedPayload{}, false
	}
	caller, err := s.crypto.RecoverAddress(s.crypto.PayloadDigest([]byte(req.Payload)), sig)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return common.Address{}, SignedPayload{}, false
	}

	var payload SignedPayload
	if err := json.Unmarshal([]byte(req.Payload), &payload); err != nil {
		badRequest(c, "invalid payload")
		return common.Address{}, SignedPayload{}, false
	}
	if payload.Action != action {
		badRequest(c, fmt.Sprintf("payload action %q does not match %q", payload.Action, action))
		return common.Address{}, SignedPayload{}, false
	}
	return caller, payload, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidProof), errors.Is(err, models.ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, custody.ErrNoResult), errors.Is(err, encryption.ErrUnknownHandle), errors.Is(err, service.ErrRevenueDisabled):
		return http.StatusNotFound
	case errors.Is(err, service.ErrQueueFull), errors.Is(err, service.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func decodeHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(s)
}
