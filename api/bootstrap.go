package api

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fee-backend/config"
	"fee-backend/encryption"
	"fee-backend/service"
	"fee-backend/storage"
)

// App is a fully wired server with the resources it owns.
type App struct {
	Server *Server
	Fees   *service.FeeService
	Queue  *service.QueueProcessor
	kv     storage.KV
	logger *zap.Logger
}

// Bootstrap opens storage, loads the network key and wires the service,
// queue and HTTP server for opts. The queue is started; call Close when done.
func Bootstrap(opts config.Options, logger *zap.Logger) (*App, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	kv, journal, err := openStorage(opts, logger)
	if err != nil {
		return nil, err
	}

	networkKey, err := loadNetworkKey(opts)
	if err != nil {
		kv.Close()
		return nil, err
	}

	fees, err := service.NewFeeService(service.Config{
		Pricing:        opts.Pricing,
		Owner:          opts.OwnerAddress(),
		Contract:       opts.ContractAddress(),
		RevenueKeyBits: opts.RevenueKeyBits,
	}, networkKey, kv, journal, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}

	queue := service.NewQueueProcessor(fees, opts.QueueSize, logger)
	queue.Start()

	return &App{
		Server: NewServer(fees, queue, logger),
		Fees:   fees,
		Queue:  queue,
		kv:     kv,
		logger: logger,
	}, nil
}

// Close stops the queue and closes storage.
func (a *App) Close() error {
	a.Queue.Stop()
	return a.kv.Close()
}

// Run serves opts until ctx is done or the server fails. Either way the
// server is shut down and storage is closed before it returns.
func Run(ctx context.Context, opts config.Options, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	app, err := Bootstrap(opts, logger)
	if err != nil {
		logger.Error("bootstrap failed", zap.Error(err))
		return err
	}
	defer app.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Server.Start(opts.Port)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server stopped", zap.Error(err))
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Server.Stop(shutdownCtx)
}

func openStorage(opts config.Options, logger *zap.Logger) (storage.KV, storage.Journal, error) {
	switch opts.Backend {
	case config.BackendMemory:
		mem := storage.NewMemoryStore()
		return mem, mem, nil
	case config.BackendJSON:
		store, err := storage.NewJSONStore(opts.StorageDir)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendBadger:
		journal, err := storage.NewJSONStore(filepath.Join(opts.StorageDir, "journal"))
		if err != nil {
			return nil, nil, err
		}
		kv, err := storage.NewBadgerStore(filepath.Join(opts.StorageDir, "badger"), logger)
		if err != nil {
			return nil, nil, err
		}
		return kv, journal, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// loadNetworkKey reads the network key file, creating it on first start.
// Relative paths resolve under the storage directory. Without a key file the
// memory backend runs on an ephemeral key.
func loadNetworkKey(opts config.Options) (*ecdsa.PrivateKey, error) {
	path := opts.NetworkKeyFile
	if path == "" {
		if opts.Backend != config.BackendMemory {
			return nil, errors.New("network_key_file is required for persistent backends")
		}
		return crypto.GenerateKey()
	}
	if !filepath.IsAbs(path) && opts.StorageDir != "" {
		if err := os.MkdirAll(opts.StorageDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		path = filepath.Join(opts.StorageDir, path)
	}
	return encryption.LoadOrGenerateKey(path)
}
