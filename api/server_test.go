package api

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fee-backend/config"
	"fee-backend/encryption"
)

const testContract = "0x00000000000000000000000000000000000fee01"

type harness struct {
	t       *testing.T
	app     *App
	handler http.Handler
	owner   *ecdsa.PrivateKey
}

func newHarness(t *testing.T, mutate func(*config.Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	opts := config.Default()
	opts.Backend = config.BackendMemory
	opts.StorageDir = ""
	opts.NetworkKeyFile = ""
	opts.RevenueKeyBits = 0
	opts.Owner = crypto.PubkeyToAddress(owner.PublicKey).Hex()
	opts.Contract = testContract
	if mutate != nil {
		mutate(&opts)
	}

	app, err := Bootstrap(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })

	return &harness{t: t, app: app, handler: app.Server.Handler(), owner: owner}
}

func (h *harness) do(method, path string, body interface{}) (int, map[string]interface{}) {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]interface{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (h *harness) envelope(key *ecdsa.PrivateKey, action, value string) SignedRequest {
	h.t.Helper()
	payload, err := json.Marshal(SignedPayload{Action: action, Value: value})
	require.NoError(h.t, err)
	cs := encryption.NewCryptoService()
	sig, err := cs.Sign(cs.PayloadDigest(payload), key)
	require.NoError(h.t, err)
	return SignedRequest{Payload: string(payload), Signature: hexutil.Encode(sig)}
}

func (h *harness) networkKey() *ecdsa.PublicKey {
	h.t.Helper()
	code, body := h.do(http.MethodGet, "/api/network-key", nil)
	require.Equal(h.t, http.StatusOK, code)
	raw, err := hexutil.Decode(body["public_key"].(string))
	require.NoError(h.t, err)
	pub, err := crypto.UnmarshalPubkey(raw)
	require.NoError(h.t, err)
	return pub
}

func (h *harness) computeRequest(key *ecdsa.PrivateKey, minutes uint64) ComputeFeeRequest {
	h.t.Helper()
	ct, proof, err := encryption.EncryptInput(h.networkKey(), minutes, common.HexToAddress(testContract), key)
	require.NoError(h.t, err)
	return ComputeFeeRequest{
		Sender:     crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Ciphertext: hexutil.Encode(ct),
		Proof:      hexutil.Encode(proof),
	}
}

func (h *harness) decrypt(key *ecdsa.PrivateKey, handle string) (int, uint64) {
	h.t.Helper()
	sig, err := encryption.SignDecryptRequest(key, common.HexToHash(handle))
	require.NoError(h.t, err)
	code, body := h.do(http.MethodPost, "/api/decrypt", DecryptRequest{Handle: handle, Signature: hexutil.Encode(sig)})
	if code != http.StatusOK {
		return code, 0
	}
	raw, err := hexutil.Decode(body["reencrypted"].(string))
	require.NoError(h.t, err)
	v, err := encryption.OpenUserDecrypt(key, raw)
	require.NoError(h.t, err)
	return code, v
}

func TestComputeAndDecryptRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	driver, err := crypto.GenerateKey()
	require.NoError(t, err)

	code, body := h.do(http.MethodPost, "/api/fee", h.computeRequest(driver, 31))
	require.Equal(t, http.StatusOK, code, body)
	handle := body["handle"].(string)
	assert.NotEmpty(t, body["request_id"])

	code, fee := h.decrypt(driver, handle)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint64(100), fee)

	code, body = h.do(http.MethodPost, "/api/fee/latest", h.envelope(driver, ActionLatest, ""))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, handle, body["handle"])

	stranger, err := crypto.GenerateKey()
	require.NoError(t, err)
	code, _ = h.decrypt(stranger, handle)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPost, "/api/fee/latest", h.envelope(stranger, ActionLatest, ""))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestComputeRejectsMissingProof(t *testing.T) {
	h := newHarness(t, nil)
	driver, err := crypto.GenerateKey()
	require.NoError(t, err)

	req := h.computeRequest(driver, 10)
	req.Proof = ""
	code, body := h.do(http.MethodPost, "/api/fee", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "invalid input proof")

	code, _ = h.do(http.MethodPost, "/api/fee", ComputeFeeRequest{Sender: "nobody"})
	assert.Equal(t, http.StatusBadRequest, code)

	req = h.computeRequest(driver, 10)
	req.Ciphertext = "zz"
	code, _ = h.do(http.MethodPost, "/api/fee", req)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPolicyEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	intruder, err := crypto.GenerateKey()
	require.NoError(t, err)

	code, body := h.do(http.MethodGet, "/api/policy", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 50, body["price_per_block"])
	assert.EqualValues(t, 96, body["max_blocks"])
	assert.EqualValues(t, 30, body["block_size_minutes"])
	assert.Equal(t, common.HexToAddress(testContract).Hex(), body["contract"])

	code, _ = h.do(http.MethodPost, "/api/policy/price", h.envelope(intruder, ActionSetPrice, "70"))
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPost, "/api/policy/price", h.envelope(h.owner, ActionSetPrice, "0"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(http.MethodPost, "/api/policy/max-blocks", h.envelope(h.owner, ActionSetMaxBlocks, "70000"))
	assert.Equal(t, http.StatusBadRequest, code)

	// a signature for one action is not accepted by another endpoint
	code, _ = h.do(http.MethodPost, "/api/policy/max-blocks", h.envelope(h.owner, ActionSetPrice, "70"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(http.MethodPost, "/api/policy/price", h.envelope(h.owner, ActionSetPrice, "70"))
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 70, body["price_per_block"])

	code, body = h.do(http.MethodPost, "/api/policy/max-blocks", h.envelope(h.owner, ActionSetMaxBlocks, "48"))
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 48, body["max_blocks"])

	next := crypto.PubkeyToAddress(intruder.PublicKey)
	code, body = h.do(http.MethodPost, "/api/policy/authority", h.envelope(h.owner, ActionTransfer, next.Hex()))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, next.Hex(), body["authority"])

	code, _ = h.do(http.MethodPost, "/api/policy/authority", h.envelope(intruder, ActionTransfer, "0x0000000000000000000000000000000000000000"))
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = h.do(http.MethodGet, "/api/ledger", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 3, body["length"])
	assert.Equal(t, true, body["is_valid"])
}

func TestBadSignatureIsForbidden(t *testing.T) {
	h := newHarness(t, nil)

	code, _ := h.do(http.MethodPost, "/api/policy/price", SignedRequest{Payload: `{"action":"set_price","value":"1"}`, Signature: "0x01"})
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = h.do(http.MethodPost, "/api/decrypt", DecryptRequest{Handle: "0x01", Signature: "0x01"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRevenueEndpoint(t *testing.T) {
	h := newHarness(t, func(o *config.Options) { o.RevenueKeyBits = 512 })
	driver, err := crypto.GenerateKey()
	require.NoError(t, err)

	for _, minutes := range []uint64{30, 2880} {
		code, _ := h.do(http.MethodPost, "/api/fee", h.computeRequest(driver, minutes))
		require.Equal(t, http.StatusOK, code)
	}

	code, body := h.do(http.MethodPost, "/api/revenue", h.envelope(h.owner, ActionRevenue, ""))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "4850", body["total"])

	code, _ = h.do(http.MethodPost, "/api/revenue", h.envelope(driver, ActionRevenue, ""))
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRevenueDisabledIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	code, _ := h.do(http.MethodPost, "/api/revenue", h.envelope(h.owner, ActionRevenue, ""))
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	driver, err := crypto.GenerateKey()
	require.NoError(t, err)
	code, _ := h.do(http.MethodPost, "/api/fee", h.computeRequest(driver, 5))
	require.Equal(t, http.StatusOK, code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fee_computations_total 1")
	assert.Contains(t, rec.Body.String(), "fee_ladder_rungs 7")
}

func TestBootstrapPersistentBackends(t *testing.T) {
	for _, backend := range []string{config.BackendJSON, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			owner, err := crypto.GenerateKey()
			require.NoError(t, err)

			opts := config.Default()
			opts.Backend = backend
			opts.StorageDir = dir
			opts.RevenueKeyBits = 0
			opts.Owner = crypto.PubkeyToAddress(owner.PublicKey).Hex()
			opts.Contract = testContract

			app, err := Bootstrap(opts, nil)
			require.NoError(t, err)
			require.NoError(t, app.Fees.SetPricePerBlock(crypto.PubkeyToAddress(owner.PublicKey), 65))
			networkKey := crypto.FromECDSAPub(app.Fees.NetworkPublicKey())
			require.NoError(t, app.Close())

			app, err = Bootstrap(opts, nil)
			require.NoError(t, err)
			defer app.Close()
			assert.Equal(t, uint64(65), app.Fees.PricePerBlock())
			assert.Equal(t, networkKey, crypto.FromECDSAPub(app.Fees.NetworkPublicKey()))
			assert.Len(t, app.Fees.Ledger(), 1)
		})
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRunShutsDownAndReleasesStorage(t *testing.T) {
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	opts := config.Default()
	opts.Backend = config.BackendBadger
	opts.StorageDir = t.TempDir()
	opts.RevenueKeyBits = 0
	opts.Port = freePort(t)
	opts.Owner = crypto.PubkeyToAddress(owner.PublicKey).Hex()
	opts.Contract = testContract

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, opts, nil) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/network-key", opts.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// badger holds a directory lock until closed
	app, err := Bootstrap(opts, nil)
	require.NoError(t, err)
	assert.NoError(t, app.Close())
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
