package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"swap-router/pkg/types"
)

// AggregatorRoute is one hop of an aggregator route plan
type AggregatorRoute struct {
	Label     string `json:"label"`
	AmmKey    string `json:"ammKey"`
	InputMint string `json:"inputMint"`
	OutMint   string `json:"outputMint"`
	FeeAmount string `json:"feeAmount"`
	FeeMint   string `json:"feeMint"`
}

// AggregatorQuote is a priced route from the DEX aggregator. Raw is the
// untouched response, which the swap endpoint expects back verbatim.
type AggregatorQuote struct {
	InputMint      string
	OutputMint     string
	InAmount       string
	OutAmount      string
	MinOutAmount   string
	PriceImpactPct string
	Routes         []AggregatorRoute
	Raw            json.RawMessage
}

// AggregatorClient talks to a Jupiter-style quote/swap REST API
type AggregatorClient struct {
	baseURL     string
	slippageBps int
	http        *http.Client
	limiter     *rate.Limiter
	logger      zerolog.Logger
}

// NewAggregatorClient creates a client with a per-request timeout and rate limit
func NewAggregatorClient(baseURL string, slippageBps int, rps float64, timeout time.Duration, logger zerolog.Logger) *AggregatorClient {
	return &AggregatorClient{
		baseURL:     baseURL,
		slippageBps: slippageBps,
		http:        &http.Client{Timeout: timeout},
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		logger:      logger.With().Str("component", "aggregator").Logger(),
	}
}

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	InAmount             string `json:"inAmount"`
	OutputMint           string `json:"outputMint"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	RoutePlan            []struct {
		SwapInfo AggregatorRoute `json:"swapInfo"`
	} `json:"routePlan"`
}

// Quote prices swapping amount (base units) of inputMint into outputMint
func (c *AggregatorClient) Quote(ctx context.Context, inputMint, outputMint, amount string) (*AggregatorQuote, error) {
	q := url.Values{}
	q.Set("inputMint", inputMint)
	q.Set("outputMint", outputMint)
	q.Set("amount", amount)
	q.Set("slippageBps", strconv.Itoa(c.slippageBps))

	body, err := c.do(ctx, http.MethodGet, "/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode aggregator quote: %w", err)
	}
	if resp.OutAmount == "" {
		return nil, fmt.Errorf("aggregator returned no route: %w", types.ErrNoRouteFound)
	}

	out := &AggregatorQuote{
		InputMint:      resp.InputMint,
		OutputMint:     resp.OutputMint,
		InAmount:       resp.InAmount,
		OutAmount:      resp.OutAmount,
		MinOutAmount:   resp.OtherAmountThreshold,
		PriceImpactPct: resp.PriceImpactPct,
		Raw:            json.RawMessage(body),
	}
	for _, r := range resp.RoutePlan {
		out.Routes = append(out.Routes, r.SwapInfo)
	}
	return out, nil
}

type swapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
	DestinationToken string          `json:"destinationTokenAccount,omitempty"`
}

type swapResponse struct {
	SwapTransaction      string `json:"swapTransaction"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapTransaction asks the aggregator to build an unsigned, base64 encoded
// transaction for a previously fetched quote.
func (c *AggregatorClient) SwapTransaction(ctx context.Context, quote *AggregatorQuote, userPublicKey string) (string, error) {
	payload, err := json.Marshal(swapRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    userPublicKey,
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode swap request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/swap", payload)
	if err != nil {
		return "", err
	}

	var resp swapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return "", fmt.Errorf("aggregator returned an empty swap transaction")
	}
	return resp.SwapTransaction, nil
}

func (c *AggregatorClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("aggregator request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to read aggregator response: %w", err))
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("aggregator call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("aggregator error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.Retryable(err)
		}
		return nil, err
	}
	return body, nil
}
