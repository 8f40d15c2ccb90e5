package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"fee-backend/api"
	"fee-backend/config"
	"fee-backend/encryption"
	"fee-backend/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fee-backend",
		Short:         "Confidential parking fee service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newServeCmd(), newKeygenCmd(), newEncryptCmd(), newSignCmd(), newDecryptCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		backend    string
		storageDir string
		owner      string
		contract   string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fee API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.Load(configPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				opts.Port = port
			}
			if flags.Changed("backend") {
				opts.Backend = backend
			}
			if flags.Changed("storage") {
				opts.StorageDir = storageDir
			}
			if flags.Changed("owner") {
				opts.Owner = owner
			}
			if flags.Changed("contract") {
				opts.Contract = contract
			}
			if flags.Changed("log-level") {
				opts.Log.Level = logLevel
			}
			return serve(opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON config file")
	cmd.Flags().IntVar(&port, "port", 8080, "Server port")
	cmd.Flags().StringVar(&backend, "backend", config.BackendBadger, "Storage backend: badger, json or memory")
	cmd.Flags().StringVar(&storageDir, "storage", "data", "Directory for persistent state")
	cmd.Flags().StringVar(&owner, "owner", "", "Policy authority address")
	cmd.Flags().StringVar(&contract, "contract", "", "Contract address inputs are bound to")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	return cmd
}

func serve(opts config.Options) error {
	logger, err := logging.New(opts.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return api.Run(ctx, opts, logger)
}

func newKeygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			if err := crypto.SaveECDSA(out, key); err != nil {
				return fmt.Errorf("failed to save key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), crypto.PubkeyToAddress(key.PublicKey).Hex())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "key.hex", "Output key file")
	return cmd
}

func newEncryptCmd() *cobra.Command {
	var (
		networkKey string
		keyHex     string
		contract   string
		minutes    uint64
	)

	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a parking duration and print a /api/fee request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes == 0 {
				return errors.New("minutes must be positive")
			}
			if !common.IsHexAddress(contract) {
				return fmt.Errorf("invalid contract address %q", contract)
			}
			raw, err := hexutil.Decode(networkKey)
			if err != nil {
				return fmt.Errorf("invalid network key: %w", err)
			}
			pub, err := crypto.UnmarshalPubkey(raw)
			if err != nil {
				return fmt.Errorf("invalid network key: %w", err)
			}
			key, err := encryption.ParsePrivateKey(keyHex)
			if err != nil {
				return err
			}

			ct, proof, err := encryption.EncryptInput(pub, minutes, common.HexToAddress(contract), key)
			if err != nil {
				return err
			}
			return printJSON(cmd, api.ComputeFeeRequest{
				Sender:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
				Ciphertext: hexutil.Encode(ct),
				Proof:      hexutil.Encode(proof),
			})
		},
	}
	cmd.Flags().StringVar(&networkKey, "network-key", "", "Network public key from /api/network-key")
	cmd.Flags().StringVar(&keyHex, "key", "", "Sender private key (hex)")
	cmd.Flags().StringVar(&contract, "contract", "", "Contract address")
	cmd.Flags().Uint64Var(&minutes, "minutes", 0, "Parking duration in minutes")
	return cmd
}

func newSignCmd() *cobra.Command {
	var (
		keyHex string
		action string
		value  string
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a policy, latest or revenue request envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.ParsePrivateKey(keyHex)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(api.SignedPayload{Action: action, Value: value})
			if err != nil {
				return err
			}
			cs := encryption.NewCryptoService()
			sig, err := cs.Sign(cs.PayloadDigest(payload), key)
			if err != nil {
				return err
			}
			return printJSON(cmd, api.SignedRequest{Payload: string(payload), Signature: hexutil.Encode(sig)})
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "Signer private key (hex)")
	cmd.Flags().StringVar(&action, "action", "", "set_price, set_max_blocks, transfer_authority, latest or revenue")
	cmd.Flags().StringVar(&value, "value", "", "Action argument")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var (
		keyHex      string
		handle      string
		reencrypted string
	)

	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Sign a /api/decrypt request, or open its response with --reencrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := encryption.ParsePrivateKey(keyHex)
			if err != nil {
				return err
			}

			if reencrypted != "" {
				raw, err := hexutil.Decode(reencrypted)
				if err != nil {
					return fmt.Errorf("invalid response: %w", err)
				}
				v, err := encryption.OpenUserDecrypt(key, raw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			}

			raw, err := hexutil.Decode(handle)
			if err != nil || len(raw) != common.HashLength {
				return fmt.Errorf("invalid handle %q", handle)
			}
			sig, err := encryption.SignDecryptRequest(key, common.BytesToHash(raw))
			if err != nil {
				return err
			}
			return printJSON(cmd, api.DecryptRequest{Handle: handle, Signature: hexutil.Encode(sig)})
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "Requester private key (hex)")
	cmd.Flags().StringVar(&handle, "handle", "", "Fee handle")
	cmd.Flags().StringVar(&reencrypted, "reencrypted", "", "Response from /api/decrypt")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
