// Package remote implements the Remote State Adapter: reads of account and
// storage data from a real Ethereum node at a pinned block number, for use
// as the base layer under a forked devnode.
package remote

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethnode/corevm/core/types"
)

// Client is the narrow interface the Remote State Adapter depends on, so
// the JSON-RPC transport can be swapped or faked in tests without touching
// cache or coalescing logic.
type Client interface {
	BalanceAt(ctx context.Context, addr types.Address, block uint64) (*big.Int, error)
	NonceAt(ctx context.Context, addr types.Address, block uint64) (uint64, error)
	CodeAt(ctx context.Context, addr types.Address, block uint64) ([]byte, error)
	StorageAt(ctx context.Context, addr types.Address, slot types.Hash, block uint64) (types.Hash, error)
}

// BlockByNumber implements core.RemoteBlockFetcher (structurally; core does
// not import this package) via eth_getBlockByNumber with full transaction
// objects omitted, since Blockchain.Reserve only needs header-level fields
// to materialize a block it will never re-execute.
func (c *HTTPClient) BlockByNumber(ctx context.Context, number uint64) (*types.Block, error) {
	var raw blockJSON
	result, err := c.call(ctx, "eth_getBlockByNumber", blockTag(number), false)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, err
	}
	header, err := raw.toHeader()
	if err != nil {
		return nil, err
	}
	return types.NewBlock(header, nil), nil
}

// blockJSON mirrors the subset of the eth_getBlockByNumber response this
// adapter needs to reconstruct a Header.
type blockJSON struct {
	ParentHash  string `json:"parentHash"`
	Sha3Uncles  string `json:"sha3Uncles"`
	Miner       string `json:"miner"`
	StateRoot   string `json:"stateRoot"`
	TxRoot      string `json:"transactionsRoot"`
	ReceiptRoot string `json:"receiptsRoot"`
	Difficulty  string `json:"difficulty"`
	Number      string `json:"number"`
	GasLimit    string `json:"gasLimit"`
	GasUsed     string `json:"gasUsed"`
	Timestamp   string `json:"timestamp"`
	ExtraData   string `json:"extraData"`
	BaseFee     string `json:"baseFeePerGas"`
}

func (b blockJSON) toHeader() (*types.Header, error) {
	number, ok := new(big.Int).SetString(trimHexPrefix(b.Number), 16)
	if !ok {
		return nil, fmt.Errorf("remote: malformed block number %q", b.Number)
	}
	difficulty, _ := new(big.Int).SetString(trimHexPrefix(b.Difficulty), 16)
	if difficulty == nil {
		difficulty = new(big.Int)
	}
	gasLimit, err := strconv.ParseUint(trimHexPrefix(b.GasLimit), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("remote: malformed gas limit %q", b.GasLimit)
	}
	gasUsed, err := strconv.ParseUint(trimHexPrefix(b.GasUsed), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("remote: malformed gas used %q", b.GasUsed)
	}
	timestamp, err := strconv.ParseUint(trimHexPrefix(b.Timestamp), 16, 64)
	if err != nil {
		return nil, fmt.Errorf("remote: malformed timestamp %q", b.Timestamp)
	}
	extra, err := hexDecode(trimHexPrefix(b.ExtraData))
	if err != nil {
		return nil, err
	}

	header := &types.Header{
		ParentHash:  types.HexToHash(b.ParentHash),
		UncleHash:   types.HexToHash(b.Sha3Uncles),
		Coinbase:    types.HexToAddress(b.Miner),
		Root:        types.HexToHash(b.StateRoot),
		TxHash:      types.HexToHash(b.TxRoot),
		ReceiptHash: types.HexToHash(b.ReceiptRoot),
		Difficulty:  difficulty,
		Number:      number,
		GasLimit:    gasLimit,
		GasUsed:     gasUsed,
		Time:        timestamp,
		Extra:       extra,
	}
	if b.BaseFee != "" {
		if fee, ok := new(big.Int).SetString(trimHexPrefix(b.BaseFee), 16); ok {
			header.BaseFee = fee
		}
	}
	return header, nil
}

// HTTPClient is a net/http-based JSON-RPC 2.0 client implementing Client
// against a real archive node endpoint (e.g. an Alchemy or Infura URL).
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

// NewHTTPClient creates an HTTPClient against the given JSON-RPC endpoint.
func NewHTTPClient(endpoint string) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func blockTag(block uint64) string {
	return "0x" + strconv.FormatUint(block, 16)
}

func (c *HTTPClient) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, err
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("remote RPC %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	return rpcResp.Result, nil
}

// BalanceAt implements Client via eth_getBalance.
func (c *HTTPClient) BalanceAt(ctx context.Context, addr types.Address, block uint64) (*big.Int, error) {
	var hexResult string
	raw, err := c.call(ctx, "eth_getBalance", addr.Hex(), blockTag(block))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(trimHexPrefix(hexResult), 16)
	if !ok {
		return nil, fmt.Errorf("remote: malformed balance %q", hexResult)
	}
	return bal, nil
}

// NonceAt implements Client via eth_getTransactionCount.
func (c *HTTPClient) NonceAt(ctx context.Context, addr types.Address, block uint64) (uint64, error) {
	var hexResult string
	raw, err := c.call(ctx, "eth_getTransactionCount", addr.Hex(), blockTag(block))
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(trimHexPrefix(hexResult), 16, 64)
	if err != nil {
		return 0, fmt.Errorf("remote: malformed nonce %q", hexResult)
	}
	return n, nil
}

// CodeAt implements Client via eth_getCode.
func (c *HTTPClient) CodeAt(ctx context.Context, addr types.Address, block uint64) ([]byte, error) {
	var hexResult string
	raw, err := c.call(ctx, "eth_getCode", addr.Hex(), blockTag(block))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return nil, err
	}
	return hexDecode(trimHexPrefix(hexResult))
}

// StorageAt implements Client via eth_getStorageAt.
func (c *HTTPClient) StorageAt(ctx context.Context, addr types.Address, slot types.Hash, block uint64) (types.Hash, error) {
	var hexResult string
	raw, err := c.call(ctx, "eth_getStorageAt", addr.Hex(), slot.Hex(), blockTag(block))
	if err != nil {
		return types.Hash{}, err
	}
	if err := json.Unmarshal(raw, &hexResult); err != nil {
		return types.Hash{}, err
	}
	b, err := hexDecode(trimHexPrefix(hexResult))
	if err != nil {
		return types.Hash{}, err
	}
	return types.BytesToHash(b), nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func hexDecode(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
