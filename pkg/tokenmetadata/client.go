// Package tokenmetadata reads ERC-20 metadata from the token contract
// itself. The rail tables cover the well-known assets; this client fills in
// the EIP-712 domain parameters (name, version) and the decimals for any
// other token a deployment wants to charge in.
package tokenmetadata

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI is the minimal ABI for the metadata views. version() is not part
// of ERC-20 but EIP-3009 tokens expose it for their signing domain.
const erc20ABI = `[
	{"inputs":[],"name":"name","outputs":[{"type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"symbol","outputs":[{"type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"version","outputs":[{"type":"string"}],"stateMutability":"view","type":"function"}
]`

// DefaultVersion is used when the token does not implement version().
// EIP-3009 tokens that omit it, USDC deployments included, sign with "2".
const DefaultVersion = "2"

// TokenMetadata is the on-chain metadata of an ERC-20 token.
type TokenMetadata struct {
	Address  string
	Name     string
	Symbol   string
	Decimals int
	Version  string
}

// Caller is the subset of the Ethereum client used to read token state.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client resolves token metadata over an EVM RPC connection.
type Client struct {
	caller Caller
	conn   *ethclient.Client
	erc20  abi.ABI
}

// NewClient dials the RPC endpoint and returns a metadata client. Close
// releases the connection.
func NewClient(rpcURL string) (*Client, error) {
	conn, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	client, err := NewClientWithCaller(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	client.conn = conn
	return client, nil
}

// NewClientWithCaller wraps an existing connection. The caller owns the
// connection's lifecycle.
func NewClientWithCaller(caller Caller) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC-20 ABI: %w", err)
	}
	return &Client{caller: caller, erc20: parsed}, nil
}

// Close releases the RPC connection if the client dialed its own.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Lookup reads name, symbol, decimals and version from the token contract.
// A token without version() gets DefaultVersion; the other three views are
// required.
func (c *Client) Lookup(ctx context.Context, tokenAddress string) (*TokenMetadata, error) {
	if !common.IsHexAddress(tokenAddress) {
		return nil, fmt.Errorf("invalid token address: %s", tokenAddress)
	}
	token := common.HexToAddress(tokenAddress)

	name, err := c.callString(ctx, token, "name")
	if err != nil {
		return nil, err
	}
	symbol, err := c.callString(ctx, token, "symbol")
	if err != nil {
		return nil, err
	}
	decimals, err := c.callUint8(ctx, token, "decimals")
	if err != nil {
		return nil, err
	}

	md := &TokenMetadata{
		Address:  token.Hex(),
		Name:     name,
		Symbol:   symbol,
		Decimals: int(decimals),
		Version:  DefaultVersion,
	}
	if version, err := c.callString(ctx, token, "version"); err == nil && version != "" {
		md.Version = version
	}
	return md, nil
}

// call packs a zero-argument view, executes it and unpacks the outputs.
func (c *Client) call(ctx context.Context, token common.Address, method string) ([]interface{}, error) {
	data, err := c.erc20.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	out, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}

	vals, err := c.erc20.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return vals, nil
}

func (c *Client) callString(ctx context.Context, token common.Address, method string) (string, error) {
	vals, err := c.call(ctx, token, method)
	if err != nil {
		return "", err
	}
	if len(vals) != 1 {
		return "", fmt.Errorf("%s returned %d values, want 1", method, len(vals))
	}
	s, ok := vals[0].(string)
	if !ok {
		return "", fmt.Errorf("%s returned %T, want string", method, vals[0])
	}
	return s, nil
}

func (c *Client) callUint8(ctx context.Context, token common.Address, method string) (uint8, error) {
	vals, err := c.call(ctx, token, method)
	if err != nil {
		return 0, err
	}
	if len(vals) != 1 {
		return 0, fmt.Errorf("%s returned %d values, want 1", method, len(vals))
	}
	n, ok := vals[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%s returned %T, want uint8", method, vals[0])
	}
	return n, nil
}
