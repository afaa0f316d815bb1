// Package chain submits mint transactions to an EVM JSON-RPC endpoint and
// waits for their receipts. Key custody sits behind the RPC node (a managed
// signer); this package never touches private keys.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// ErrConfirmationTimeout marks a confirmation wait that hit its deadline.
// The transaction may still confirm later; callers resume polling on the
// next delivery instead of submitting a second transaction.
var ErrConfirmationTimeout = errors.New("chain: confirmation deadline exceeded")

// ErrTransactionReverted marks a mined transaction with a failed status.
var ErrTransactionReverted = errors.New("chain: transaction reverted")

// PendingTx identifies a submitted, unconfirmed transaction.
type PendingTx struct {
	Hash string
}

// Receipt is the confirmed transaction receipt, trimmed to what the mint
// worker reads.
type Receipt struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
	Logs            []Log  `json:"logs"`
}

type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Minter is the narrow contract the NFT worker consumes.
type Minter interface {
	Mint(ctx context.Context, toAddress, metadataURI string, royaltyBps int) (PendingTx, error)
	AwaitConfirmation(ctx context.Context, tx PendingTx) (Receipt, error)
}

const mintSignature = "mintNFT(address,string,uint96)"

// transferTopic is keccak256("Transfer(address,address,uint256)"), the ERC-721
// event whose third indexed topic carries the minted token id.
var transferTopic = "0x" + hex.EncodeToString(keccak256([]byte("Transfer(address,address,uint256)")))

// RPCMinter drives the deployed minting contract over JSON-RPC.
type RPCMinter struct {
	rpcURL          string
	minterAddress   string
	contractAddress string
	pollInterval    time.Duration
	confirmTimeout  time.Duration
	client          *http.Client
}

type RPCMinterOptions struct {
	RPCURL              string
	MinterAddress       string
	ContractAddress     string
	ConfirmPollInterval time.Duration
	ConfirmationTimeout time.Duration
	HTTPClient          *http.Client
}

func NewRPCMinter(opts RPCMinterOptions) (*RPCMinter, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("chain rpc url is required")
	}
	if !isHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", opts.ContractAddress)
	}
	if !isHexAddress(opts.MinterAddress) {
		return nil, fmt.Errorf("invalid minter address %q", opts.MinterAddress)
	}
	poll := opts.ConfirmPollInterval
	if poll == 0 {
		poll = 3 * time.Second
	}
	timeout := opts.ConfirmationTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RPCMinter{
		rpcURL:          opts.RPCURL,
		minterAddress:   opts.MinterAddress,
		contractAddress: opts.ContractAddress,
		pollInterval:    poll,
		confirmTimeout:  timeout,
		client:          client,
	}, nil
}

// Mint submits the mint transaction and returns its pending hash.
func (m *RPCMinter) Mint(ctx context.Context, toAddress, metadataURI string, royaltyBps int) (PendingTx, error) {
	if !isHexAddress(toAddress) {
		return PendingTx{}, fmt.Errorf("invalid recipient address %q", toAddress)
	}
	data, err := encodeMintCall(toAddress, metadataURI, royaltyBps)
	if err != nil {
		return PendingTx{}, err
	}
	params := []any{map[string]string{
		"from": m.minterAddress,
		"to":   m.contractAddress,
		"data": data,
	}}
	var txHash string
	if err := m.call(ctx, "eth_sendTransaction", params, &txHash); err != nil {
		return PendingTx{}, err
	}
	if txHash == "" {
		return PendingTx{}, errors.New("chain: empty transaction hash")
	}
	return PendingTx{Hash: txHash}, nil
}

// AwaitConfirmation polls for the receipt under the configured deadline.
func (m *RPCMinter) AwaitConfirmation(ctx context.Context, tx PendingTx) (Receipt, error) {
	deadline := time.Now().Add(m.confirmTimeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		var receipt *Receipt
		if err := m.call(ctx, "eth_getTransactionReceipt", []any{tx.Hash}, &receipt); err != nil {
			return Receipt{}, err
		}
		if receipt != nil {
			if receipt.Status == "0x0" {
				return *receipt, ErrTransactionReverted
			}
			return *receipt, nil
		}
		if time.Now().After(deadline) {
			return Receipt{}, ErrConfirmationTimeout
		}
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *RPCMinter) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("chain: marshal rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain: rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chain: rpc status %d", resp.StatusCode)
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("chain: decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chain: rpc %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("chain: unmarshal rpc result: %w", err)
	}
	return nil
}

// TokenIDFromReceipt extracts the minted token id from the Transfer event.
func TokenIDFromReceipt(receipt Receipt) (string, error) {
	for _, log := range receipt.Logs {
		if len(log.Topics) != 4 {
			continue
		}
		if !strings.EqualFold(log.Topics[0], transferTopic) {
			continue
		}
		id, ok := new(big.Int).SetString(strings.TrimPrefix(log.Topics[3], "0x"), 16)
		if !ok {
			return "", fmt.Errorf("malformed token id topic %q", log.Topics[3])
		}
		return id.String(), nil
	}
	return "", errors.New("no transfer event in receipt")
}

// encodeMintCall ABI-encodes mintNFT(address to, string uri, uint96 royalty).
func encodeMintCall(toAddress, metadataURI string, royaltyBps int) (string, error) {
	if royaltyBps < 0 || royaltyBps > 10000 {
		return "", fmt.Errorf("royalty %d out of range", royaltyBps)
	}
	selector := keccak256([]byte(mintSignature))[:4]

	addr, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(toAddress), "0x"))
	if err != nil {
		return "", fmt.Errorf("decode recipient address: %w", err)
	}

	uriBytes := []byte(metadataURI)
	paddedURILen := (len(uriBytes) + 31) / 32 * 32

	data := make([]byte, 0, 4+3*32+32+paddedURILen)
	data = append(data, selector...)
	data = append(data, leftPad32(addr)...)
	// Offset of the dynamic string argument: after the three head words.
	data = append(data, leftPad32(big.NewInt(96).Bytes())...)
	data = append(data, leftPad32(big.NewInt(int64(royaltyBps)).Bytes())...)
	data = append(data, leftPad32(big.NewInt(int64(len(uriBytes))).Bytes())...)
	data = append(data, uriBytes...)
	data = append(data, make([]byte, paddedURILen-len(uriBytes))...)

	return "0x" + hex.EncodeToString(data), nil
}

func keccak256(in []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(in)
	return h.Sum(nil)
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

func isHexAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

var _ Minter = (*RPCMinter)(nil)
