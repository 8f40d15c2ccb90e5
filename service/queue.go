package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull    = errors.New("fee queue is full")
	ErrQueueStopped = errors.New("fee queue stopped")
)

// ComputeRequest is a queued fee computation.
type ComputeRequest struct {
	Sender     common.Address
	Ciphertext []byte
	Proof      []byte
}

// ProcessingResult contains the result of an asynchronous operation
type ProcessingResult struct {
	RequestID string
	Handle    common.Hash
	Err       error
	Timestamp int64
}

type queuedRequest struct {
	ctx      context.Context
	id       string
	request  ComputeRequest
	resultCh chan *ProcessingResult
}

// QueueProcessor funnels fee computations through a single worker.
type QueueProcessor struct {
	feeService   *FeeService
	requestCh    chan *queuedRequest
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	stopOnce     sync.Once
	logger       *zap.Logger
}

// NewQueueProcessor creates a new queue processor
func NewQueueProcessor(feeService *FeeService, queueSize int, logger *zap.Logger) *QueueProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueProcessor{
		feeService: feeService,
		requestCh:  make(chan *queuedRequest, queueSize),
		shutdownCh: make(chan struct{}),
		logger:     logger.With(zap.String("module", "queue")),
	}
}

// Start begins processing queued requests
func (qp *QueueProcessor) Start() {
	qp.processingWg.Add(1)
	go qp.worker()
}

// Stop gracefully shuts down the queue processor. Requests still waiting
// in the queue fail with ErrQueueStopped.
func (qp *QueueProcessor) Stop() {
	qp.stopOnce.Do(func() {
		close(qp.shutdownCh)
	})
	qp.processingWg.Wait()
}

// Submit queues a computation and waits for its result. It returns
// ErrQueueFull without waiting when the queue is at capacity.
//
// A request whose ctx ends before the worker reaches it is never computed.
// Once the worker has started it, the computation runs to completion and is
// recorded even if Submit has already returned ctx.Err().
func (qp *QueueProcessor) Submit(ctx context.Context, request ComputeRequest) (*ProcessingResult, error) {
	q := &queuedRequest{
		ctx:      ctx,
		id:       uuid.New().String(),
		request:  request,
		resultCh: make(chan *ProcessingResult, 1),
	}

	select {
	case <-qp.shutdownCh:
		return nil, ErrQueueStopped
	default:
	}

	select {
	case qp.requestCh <- q:
	default:
		qp.logger.Warn("queue full, request dropped", zap.String("requester", request.Sender.Hex()))
		return nil, ErrQueueFull
	}

	select {
	case result := <-q.resultCh:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-qp.shutdownCh:
		return nil, ErrQueueStopped
	}
}

func (qp *QueueProcessor) worker() {
	defer qp.processingWg.Done()

	for {
		select {
		case <-qp.shutdownCh:
			return
		case q := <-qp.requestCh:
			qp.process(q)
		}
	}
}

func (qp *QueueProcessor) process(q *queuedRequest) {
	if err := q.ctx.Err(); err != nil {
		qp.logger.Debug("request abandoned before processing", zap.String("request_id", q.id), zap.Error(err))
		q.resultCh <- &ProcessingResult{RequestID: q.id, Err: err, Timestamp: time.Now().Unix()}
		return
	}

	handle, err := qp.feeService.ComputeFee(q.request.Sender, q.request.Ciphertext, q.request.Proof)
	q.resultCh <- &ProcessingResult{
		RequestID: q.id,
		Handle:    handle,
		Err:       err,
		Timestamp: time.Now().Unix(),
	}
	qp.logger.Debug("request processed", zap.String("request_id", q.id), zap.Bool("ok", err == nil))
}

// Pending reports how many requests wait for the worker.
func (qp *QueueProcessor) Pending() int {
	return len(qp.requestCh)
}
