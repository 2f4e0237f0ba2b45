package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"swap-router/pkg/types"
)

// Extrinsic statuses reported by the signer service
const (
	ExtrinsicPending   = "pending"
	ExtrinsicInBlock   = "in_block"
	ExtrinsicFinalized = "finalized"
	ExtrinsicFailed    = "failed"
)

// ExtrinsicStatus is the signer service's view of a submitted extrinsic
type ExtrinsicStatus struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
	Block  string `json:"block,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SignerClient talks to the external service that holds substrate keys. It
// signs and submits pallet calls and reports their inclusion.
type SignerClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewSignerClient creates a signer service client
func NewSignerClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *SignerClient {
	return &SignerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
		logger:  logger.With().Str("component", "signer").Logger(),
	}
}

type submitResponse struct {
	Hash string `json:"hash"`
}

// Submit hands a substrate artifact to the signer and returns the extrinsic hash
func (c *SignerClient) Submit(ctx context.Context, a *types.Artifact) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/extrinsics", payload)
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode signer response: %w", err)
	}
	if resp.Hash == "" {
		return "", fmt.Errorf("signer returned no extrinsic hash")
	}
	return resp.Hash, nil
}

// Status reports the inclusion status of an extrinsic on chain
func (c *SignerClient) Status(ctx context.Context, chain types.ChainSlug, hash string) (*ExtrinsicStatus, error) {
	q := url.Values{}
	q.Set("chain", string(chain))
	body, err := c.do(ctx, http.MethodGet, "/extrinsics/"+url.PathEscape(hash)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var st ExtrinsicStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("failed to decode extrinsic status: %w", err)
	}
	return &st, nil
}

type feeAssetResponse struct {
	Asset types.AssetRef `json:"asset"`
}

// FeeAsset returns the fee token currently set for address on chain
func (c *SignerClient) FeeAsset(ctx context.Context, chain types.ChainSlug, address string) (types.AssetRef, error) {
	q := url.Values{}
	q.Set("chain", string(chain))
	q.Set("address", address)
	body, err := c.do(ctx, http.MethodGet, "/fee-asset?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var resp feeAssetResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to decode fee asset: %w", err)
	}
	return resp.Asset, nil
}

func (c *SignerClient) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
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

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("signer request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.Retryable(fmt.Errorf("failed to read signer response: %w", err))
	}

	c.logger.Debug().Str("method", method).Str("path", req.URL.Path).Int("status", resp.StatusCode).Msg("signer call")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("signer error (status %d): %s", resp.StatusCode, string(body))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, types.Retryable(err)
		}
		return nil, err
	}
	return body, nil
}
