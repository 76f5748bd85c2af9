package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/config"
	"github.com/shreed27/AgentHub-sub013/pkg/store"
)

// ERC20 Transfer(address,address,uint256) event signature.
const transferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

var (
	// ErrUnsupportedNetwork is returned for networks outside the allow-list.
	ErrUnsupportedNetwork = errors.New("unsupported payment network")

	// ErrTransactionUsed is returned when a proof's hash was already credited.
	ErrTransactionUsed = errors.New("transaction already used")

	// ErrTransactionNotFound is returned when the RPC has no receipt.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrTransactionFailed is returned when the receipt status is not success.
	ErrTransactionFailed = errors.New("transaction failed on chain")

	// ErrNoMatchingTransfer is returned when no transfer to the treasury from
	// the expected token contract appears in the receipt.
	ErrNoMatchingTransfer = errors.New("no matching token transfer to treasury")

	// ErrAmountMismatch is returned when the on-chain amount deviates from
	// the claimed amount beyond the configured tolerance.
	ErrAmountMismatch = errors.New("transferred amount does not match claimed amount")
)

// Proof is a client-supplied claim that a payment was made on chain.
type Proof struct {
	TxHash    string  `json:"tx_hash"`
	Network   string  `json:"network"`
	AmountUSD float64 `json:"amount_usd"`
}

// Verifier validates payment proofs against per-network RPC endpoints with
// replay protection through the used-transactions store.
type Verifier struct {
	client       *http.Client
	networks     map[string]config.NetworkConfig
	treasury     string
	tolerancePct float64
	store        store.Store
}

// NewVerifier creates a payment verifier.
func NewVerifier(networks map[string]config.NetworkConfig, treasury string, tolerancePct float64, s store.Store) *Verifier {
	return &Verifier{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		networks:     networks,
		treasury:     strings.ToLower(treasury),
		tolerancePct: tolerancePct,
		store:        s,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result *txReceipt `json:"result"`
	Error  *rpcError  `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type txReceipt struct {
	Status string      `json:"status"`
	Logs   []receiptLog `json:"logs"`
}

type receiptLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Verify validates a proof and, on success, atomically records the hash as
// used and returns the verified USD amount. A hash can only ever be credited
// once; under concurrent submissions exactly one caller succeeds.
func (v *Verifier) Verify(ctx context.Context, wallet string, proof *Proof) (float64, error) {
	network, ok := v.networks[proof.Network]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedNetwork, proof.Network)
	}

	used, err := v.store.IsTransactionUsed(ctx, proof.TxHash)
	if err != nil {
		return 0, fmt.Errorf("failed to check transaction: %w", err)
	}
	if used {
		return 0, ErrTransactionUsed
	}

	receipt, err := v.fetchReceipt(ctx, network.RPCURL, proof.TxHash)
	if err != nil {
		return 0, err
	}
	if receipt == nil {
		return 0, ErrTransactionNotFound
	}
	if receipt.Status != "0x1" {
		return 0, ErrTransactionFailed
	}

	amount, err := v.findTransfer(receipt, network)
	if err != nil {
		return 0, err
	}

	// Gas/rounding tolerance on the claimed amount.
	tolerance := proof.AmountUSD * v.tolerancePct / 100
	if math.Abs(amount-proof.AmountUSD) > tolerance {
		return 0, fmt.Errorf("%w: claimed %.6f, on-chain %.6f", ErrAmountMismatch, proof.AmountUSD, amount)
	}

	// The insert is the atomicity boundary; a concurrent duplicate loses here.
	err = v.store.MarkTransactionUsed(ctx, &store.UsedTransaction{
		TxHash: proof.TxHash,
		Wallet: wallet,
		Amount: amount,
		UsedAt: time.Now(),
	})
	if err != nil {
		if errors.Is(err, store.ErrTransactionUsed) {
			return 0, ErrTransactionUsed
		}
		return 0, fmt.Errorf("failed to mark transaction used: %w", err)
	}

	log.WithFields(log.Fields{
		"wallet":  wallet,
		"tx_hash": proof.TxHash,
		"network": proof.Network,
		"amount":  amount,
	}).Info("Payment verified")

	return amount, nil
}

// fetchReceipt calls eth_getTransactionReceipt on the network's endpoint.
func (v *Verifier) fetchReceipt(ctx context.Context, rpcURL, txHash string) (*txReceipt, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_getTransactionReceipt",
		Params:  []interface{}{txHash},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc returned status %d: %s", resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}

	return rpcResp.Result, nil
}

// findTransfer scans receipt logs for a Transfer event from the expected
// token contract whose destination is the treasury, returning the decoded
// amount. Policy: the first matching transfer wins; a transaction with
// multiple transfers to the treasury is credited only for the first.
func (v *Verifier) findTransfer(receipt *txReceipt, network config.NetworkConfig) (float64, error) {
	tokenContract := strings.ToLower(network.TokenContract)

	for _, entry := range receipt.Logs {
		if strings.ToLower(entry.Address) != tokenContract {
			continue
		}
		if len(entry.Topics) < 3 || strings.ToLower(entry.Topics[0]) != transferTopic {
			continue
		}

		// topics[2] is the 32-byte padded destination address.
		to := topicAddress(entry.Topics[2])
		if to != v.treasury {
			continue
		}

		raw, ok := new(big.Int).SetString(strings.TrimPrefix(entry.Data, "0x"), 16)
		if !ok {
			continue
		}

		divisor := new(big.Float).SetFloat64(math.Pow10(network.TokenDecimals))
		amount, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), divisor).Float64()
		return amount, nil
	}

	return 0, ErrNoMatchingTransfer
}

// topicAddress extracts the 20-byte address from a 32-byte event topic.
func topicAddress(topic string) string {
	topic = strings.ToLower(strings.TrimPrefix(topic, "0x"))
	if len(topic) < 40 {
		return ""
	}
	return "0x" + topic[len(topic)-40:]
}
