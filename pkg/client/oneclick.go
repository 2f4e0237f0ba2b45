package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"swap-router/pkg/types"
)

// Deposit-channel execution statuses reported by the 1Click API
const (
	ChannelPendingDeposit    = "PENDING_DEPOSIT"
	ChannelIncompleteDeposit = "INCOMPLETE_DEPOSIT"
	ChannelProcessing        = "PROCESSING"
	ChannelSuccess           = "SUCCESS"
	ChannelRefunded          = "REFUNDED"
	ChannelFailed            = "FAILED"
)

// ChannelQuoteRequest asks the API to price (dry) or open (not dry) a deposit channel
type ChannelQuoteRequest struct {
	OriginAsset      string
	DestinationAsset string
	Amount           string // base units
	RefundTo         string
	Recipient        string
	Deadline         time.Time
	Dry              bool
}

// ChannelQuote is the subset of a 1Click quote the router uses
type ChannelQuote struct {
	DepositAddress string
	DepositMemo    string
	AmountIn       decimal.Decimal
	AmountOut      decimal.Decimal
	TimeEstimate   time.Duration
}

// ChannelStatus is the execution status of a deposit channel
type ChannelStatus struct {
	DepositAddress    string
	Status            string
	UpdatedAt         time.Time
	OriginTxHashes    []string
	DestinationHashes []string
	AmountIn          string
	AmountOut         string
}

// Terminal reports whether the channel will not change status again
func (s *ChannelStatus) Terminal() bool {
	switch strings.ToUpper(s.Status) {
	case ChannelSuccess, "COMPLETED", ChannelRefunded, ChannelFailed:
		return true
	}
	return false
}

// Succeeded reports whether the channel delivered funds to the recipient
func (s *ChannelStatus) Succeeded() bool {
	st := strings.ToUpper(s.Status)
	return st == ChannelSuccess || st == "COMPLETED"
}

// OneClickClient wraps the 1Click SDK
type OneClickClient struct {
	client   *oneclick.APIClient
	jwtToken string
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewOneClickClient creates a new 1Click API client
func NewOneClickClient(baseURL, jwtToken string, rps float64, logger zerolog.Logger) *OneClickClient {
	config := oneclick.NewConfiguration()
	if baseURL != "" {
		config.Servers = oneclick.ServerConfigurations{{URL: baseURL}}
	}

	return &OneClickClient{
		client:   oneclick.NewAPIClient(config),
		jwtToken: jwtToken,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		logger:   logger.With().Str("component", "oneclick").Logger(),
	}
}

// authenticated waits for a rate-limit token and attaches the JWT
func (c *OneClickClient) authenticated(ctx context.Context) (context.Context, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if c.jwtToken == "" {
		return ctx, nil
	}
	return context.WithValue(ctx, oneclick.ContextAccessToken, c.jwtToken), nil
}

// GetSupportedTokens retrieves all supported tokens
func (c *OneClickClient) GetSupportedTokens(ctx context.Context) ([]oneclick.TokenResponse, error) {
	ctx, err := c.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	resp, httpResp, err := c.client.OneClickAPI.GetTokens(ctx).Execute()
	if err != nil {
		return nil, apiError("failed to get tokens", httpResp, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status code %d", httpResp.StatusCode)
	}

	return resp, nil
}

// RequestQuote prices a swap. A non-dry request allocates a deposit address
// and must not be repeated for the same step attempt.
func (c *OneClickClient) RequestQuote(ctx context.Context, req ChannelQuoteRequest) (*ChannelQuote, error) {
	if req.Recipient == "" {
		return nil, types.NewValidationError("recipient address is required")
	}
	refundTo := req.RefundTo
	if refundTo == "" {
		refundTo = req.Recipient
	}
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(24 * time.Hour)
	}

	quoteReq := oneclick.NewQuoteRequest(
		req.Dry,
		"EXACT_INPUT",
		100, // slippage tolerance in bps
		req.OriginAsset,
		"ORIGIN_CHAIN",
		req.DestinationAsset,
		req.Amount,
		refundTo,
		"ORIGIN_CHAIN",
		req.Recipient,
		"DESTINATION_CHAIN",
		deadline,
	)

	ctx, err := c.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	resp, httpResp, err := c.client.OneClickAPI.GetQuote(ctx).QuoteRequest(*quoteReq).Execute()
	if err != nil {
		return nil, apiError("failed to get quote from API", httpResp, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("API returned status code %d", httpResp.StatusCode)
	}
	if resp == nil {
		return nil, fmt.Errorf("empty quote response")
	}

	q := resp.GetQuote()
	amountIn, err := decimal.NewFromString(q.GetAmountInFormatted())
	if err != nil {
		return nil, fmt.Errorf("invalid amountIn in quote: %w", err)
	}
	amountOut, err := decimal.NewFromString(q.GetAmountOutFormatted())
	if err != nil {
		return nil, fmt.Errorf("invalid amountOut in quote: %w", err)
	}

	out := &ChannelQuote{
		DepositAddress: q.GetDepositAddress(),
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		TimeEstimate:   time.Duration(q.GetTimeEstimate()) * time.Second,
	}
	if q.HasDepositMemo() {
		out.DepositMemo = q.GetDepositMemo()
	}
	if !req.Dry && out.DepositAddress == "" {
		return nil, fmt.Errorf("quote response carries no deposit address")
	}

	c.logger.Debug().
		Bool("dry", req.Dry).
		Str("origin", req.OriginAsset).
		Str("destination", req.DestinationAsset).
		Str("amount_out", amountOut.String()).
		Msg("quote received")
	return out, nil
}

// GetSwapStatus checks the execution status of a deposit channel
func (c *OneClickClient) GetSwapStatus(ctx context.Context, depositAddress string) (*ChannelStatus, error) {
	ctx, err := c.authenticated(ctx)
	if err != nil {
		return nil, err
	}
	resp, httpResp, err := c.client.OneClickAPI.GetExecutionStatus(ctx).DepositAddress(depositAddress).Execute()
	if err != nil {
		return nil, apiError("failed to get status", httpResp, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status code %d", httpResp.StatusCode)
	}

	status := &ChannelStatus{
		DepositAddress: depositAddress,
		Status:         strings.ToUpper(string(resp.GetStatus())),
		UpdatedAt:      resp.GetUpdatedAt(),
	}

	details := resp.GetSwapDetails()
	for _, tx := range details.GetOriginChainTxHashes() {
		if h := tx.GetHash(); h != "" {
			status.OriginTxHashes = append(status.OriginTxHashes, h)
		}
	}
	for _, tx := range details.GetDestinationChainTxHashes() {
		if h := tx.GetHash(); h != "" {
			status.DestinationHashes = append(status.DestinationHashes, h)
		}
	}
	if details.HasAmountInFormatted() {
		status.AmountIn = details.GetAmountInFormatted()
	}
	if details.HasAmountOutFormatted() {
		status.AmountOut = details.GetAmountOutFormatted()
	}
	return status, nil
}

// SubmitDepositTx notifies the API of the deposit transaction hash
func (c *OneClickClient) SubmitDepositTx(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(depositAddress, txHash)

	ctx, err := c.authenticated(ctx)
	if err != nil {
		return err
	}
	_, httpResp, err := c.client.OneClickAPI.SubmitDepositTx(ctx).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return apiError("failed to submit deposit", httpResp, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return fmt.Errorf("API returned status code %d", httpResp.StatusCode)
	}

	return nil
}

// apiError extracts the API's error message from the response body. Server
// errors and transport failures are retryable.
func apiError(msg string, httpResp *http.Response, err error) error {
	if httpResp == nil {
		return types.Retryable(fmt.Errorf("%s: %w", msg, err))
	}
	defer httpResp.Body.Close()

	wrapped := fmt.Errorf("%s (status: %d): %w", msg, httpResp.StatusCode, err)
	bodyBytes, readErr := io.ReadAll(httpResp.Body)
	if readErr == nil && len(bodyBytes) > 0 {
		var errorResp map[string]interface{}
		if jsonErr := json.Unmarshal(bodyBytes, &errorResp); jsonErr == nil {
			if message, ok := errorResp["message"].(string); ok {
				wrapped = fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, message)
			} else if errs, ok := errorResp["errors"]; ok {
				wrapped = fmt.Errorf("API error (status %d): %v", httpResp.StatusCode, errs)
			}
		} else {
			wrapped = fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(bodyBytes))
		}
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return types.Retryable(wrapped)
	}
	return wrapped
}
