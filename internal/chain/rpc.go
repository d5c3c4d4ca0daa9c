/*

Live chain capability over JSON-RPC. The execution gateway owns keys, nonce
management, and the actual swap/mint/burn mechanics; this client only frames
requests, classifies failures, and throttles outbound calls so a busy sweep
cannot hammer the gateway.

*/

package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/harborfin/steward/internal/logger"
	"github.com/harborfin/steward/internal/types"
)

const rpcTimeout = 20 * time.Second

// JSON-RPC method names exposed by the execution gateway.
const (
	methodDispatchInvestment = "gateway_dispatchInvestment"
	methodIsOutOfRange       = "gateway_isOutOfRange"
	methodPoolPrice          = "gateway_poolPrice"
	methodLiquidate          = "gateway_liquidateAndReturn"
	methodSettlementStatus   = "gateway_settlementStatus"
)

// jsonRPCRequest is the standard JSON-RPC 2.0 request envelope.
type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("gateway RPC error %d: %s", e.Code, e.Message)
}

// Client is the live Capability implementation. Safe for concurrent use;
// sweep workers share one instance.
type Client struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     zerolog.Logger
	nextID     atomic.Int64
}

// NewClient builds a gateway client. ratePerSecond caps outbound calls;
// zero or negative disables throttling.
func NewClient(endpoint string, ratePerSecond float64) (*Client, error) {
	if endpoint == "" {
		return nil, errors.New("gateway endpoint cannot be empty")
	}

	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond) + 1
	}

	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: rpcTimeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.GetForComponent("chain_client"),
	}, nil
}

// call frames one JSON-RPC round trip and decodes the result into out.
// Transport failures and gateway 5xx responses come back wrapping
// ErrTransient so the retry policy can distinguish them from hard rejects.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params for %s: %w", method, err)
	}

	reqBody, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Join(ErrTransient, fmt.Errorf("gateway call %s failed: %w", method, err))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.Join(ErrTransient, fmt.Errorf("failed to read gateway response for %s: %w", method, err))
	}

	if httpResp.StatusCode >= 500 {
		return errors.Join(ErrTransient, fmt.Errorf("gateway returned HTTP %d for %s", httpResp.StatusCode, method))
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned HTTP %d for %s: %s", httpResp.StatusCode, method, string(body))
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errors.Join(ErrTransient, fmt.Errorf("malformed gateway response for %s: %w", method, err))
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code <= -32000 && rpcResp.Error.Code > -32100 {
			// Server-error range: timeouts, mempool congestion, nonce races.
			return errors.Join(ErrTransient, rpcResp.Error)
		}
		return rpcResp.Error
	}

	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

type dispatchParams struct {
	UserID      string      `json:"user_id"`
	PoolID      types.PoolID `json:"pool_id"`
	Chain       string      `json:"chain"`
	BaseDenom   string      `json:"base_denom"`
	AmountUSD   float64     `json:"amount_usd"`
	RangeBounds RangeBounds `json:"range_bounds"`
}

// DispatchInvestment implements Capability.
func (c *Client) DispatchInvestment(ctx context.Context, userID string, pool types.Pool, amountUSD float64, bounds RangeBounds) (InvestmentReceipt, error) {
	var receipt InvestmentReceipt
	params := dispatchParams{
		UserID:      userID,
		PoolID:      pool.ID,
		Chain:       pool.Chain,
		BaseDenom:   pool.TokenB.Denom,
		AmountUSD:   amountUSD,
		RangeBounds: bounds,
	}
	if err := c.call(ctx, methodDispatchInvestment, params, &receipt); err != nil {
		return InvestmentReceipt{}, err
	}
	if receipt.ExternalRef == "" {
		return InvestmentReceipt{}, fmt.Errorf("gateway dispatched pool %d without an external position ref", pool.ID)
	}
	c.logger.Info().
		Str("userID", userID).
		Uint64("poolID", uint64(pool.ID)).
		Float64("amountUSD", amountUSD).
		Str("externalRef", receipt.ExternalRef).
		Msg("Investment dispatched")
	return receipt, nil
}

type positionParams struct {
	ExternalRef string       `json:"external_ref"`
	PoolID      types.PoolID `json:"pool_id"`
	LowerTick   int64        `json:"lower_tick"`
	UpperTick   int64        `json:"upper_tick"`
}

func positionParamsFrom(position types.Position) positionParams {
	return positionParams{
		ExternalRef: position.ExternalRef,
		PoolID:      position.PoolID,
		LowerTick:   position.LowerTick,
		UpperTick:   position.UpperTick,
	}
}

// IsOutOfRange implements Capability.
func (c *Client) IsOutOfRange(ctx context.Context, position types.Position) (bool, error) {
	var result struct {
		OutOfRange  bool  `json:"out_of_range"`
		CurrentTick int64 `json:"current_tick"`
	}
	if err := c.call(ctx, methodIsOutOfRange, positionParamsFrom(position), &result); err != nil {
		return false, err
	}
	return result.OutOfRange, nil
}

// PoolPrice implements Capability.
func (c *Client) PoolPrice(ctx context.Context, poolID types.PoolID) (float64, error) {
	var result struct {
		Price float64 `json:"price"`
	}
	params := struct {
		PoolID types.PoolID `json:"pool_id"`
	}{poolID}
	if err := c.call(ctx, methodPoolPrice, params, &result); err != nil {
		return 0, err
	}
	if result.Price <= 0 {
		return 0, fmt.Errorf("gateway returned non-positive price %f for pool %d", result.Price, poolID)
	}
	return result.Price, nil
}

// LiquidateAndReturn implements Capability.
func (c *Client) LiquidateAndReturn(ctx context.Context, position types.Position) (LiquidationReceipt, error) {
	var result struct {
		Proceeds    string  `json:"proceeds"`
		ProceedsUSD float64 `json:"proceeds_usd"`
		TxHash      string  `json:"tx_hash"`
	}
	if err := c.call(ctx, methodLiquidate, positionParamsFrom(position), &result); err != nil {
		return LiquidationReceipt{}, err
	}

	proceeds, ok := sdkmath.NewIntFromString(result.Proceeds)
	if !ok {
		return LiquidationReceipt{}, fmt.Errorf("gateway returned unparsable proceeds %q for position %s", result.Proceeds, position.ID)
	}

	c.logger.Info().
		Str("positionID", position.ID).
		Str("txHash", result.TxHash).
		Float64("proceedsUSD", result.ProceedsUSD).
		Msg("Liquidation broadcast")

	return LiquidationReceipt{
		Proceeds:    proceeds,
		ProceedsUSD: result.ProceedsUSD,
		TxHash:      result.TxHash,
	}, nil
}

// ConfirmSettlement implements Capability.
func (c *Client) ConfirmSettlement(ctx context.Context, position types.Position) (bool, error) {
	var result struct {
		Settled bool `json:"settled"`
	}
	if err := c.call(ctx, methodSettlementStatus, positionParamsFrom(position), &result); err != nil {
		return false, err
	}
	return result.Settled, nil
}
