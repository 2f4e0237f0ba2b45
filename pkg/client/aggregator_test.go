package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swap-router/pkg/types"
)

const sampleQuote = `{
  "inputMint": "So11111111111111111111111111111111111111112",
  "inAmount": "1000000000",
  "outputMint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
  "outAmount": "151230000",
  "otherAmountThreshold": "150474000",
  "priceImpactPct": "0.0001",
  "routePlan": [{"swapInfo": {"ammKey": "amm1", "label": "Whirlpool", "inputMint": "So11111111111111111111111111111111111111112", "outputMint": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "feeAmount": "25", "feeMint": "So11111111111111111111111111111111111111112"}, "percent": 100}]
}`

func TestAggregatorQuoteAndSwap(t *testing.T) {
	var swapBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			assert.Equal(t, "1000000000", r.URL.Query().Get("amount"))
			assert.Equal(t, "50", r.URL.Query().Get("slippageBps"))
			_, _ = w.Write([]byte(sampleQuote))
		case "/swap":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&swapBody))
			_, _ = w.Write([]byte(`{"swapTransaction":"AQID","lastValidBlockHeight":7}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewAggregatorClient(srv.URL, 50, 100, time.Second, zerolog.Nop())

	q, err := c.Quote(context.Background(), "So11111111111111111111111111111111111111112", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", "1000000000")
	require.NoError(t, err)
	assert.Equal(t, "151230000", q.OutAmount)
	assert.Equal(t, "150474000", q.MinOutAmount)
	require.Len(t, q.Routes, 1)
	assert.Equal(t, "Whirlpool", q.Routes[0].Label)

	tx, err := c.SwapTransaction(context.Background(), q, "user")
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx)
	assert.JSONEq(t, sampleQuote, string(swapBody["quoteResponse"]))
	assert.JSONEq(t, `"user"`, string(swapBody["userPublicKey"]))
}

func TestAggregatorErrorsAreClassified(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"busy"}`))
	}))
	defer srv.Close()

	c := NewAggregatorClient(srv.URL, 50, 100, time.Second, zerolog.Nop())

	_, err := c.Quote(context.Background(), "a", "b", "1")
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))

	status = http.StatusBadRequest
	_, err = c.Quote(context.Background(), "a", "b", "1")
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
}

func TestChannelStatusTerminal(t *testing.T) {
	for status, terminal := range map[string]bool{
		ChannelSuccess:           true,
		ChannelRefunded:          true,
		ChannelFailed:            true,
		ChannelProcessing:        false,
		ChannelPendingDeposit:    false,
		ChannelIncompleteDeposit: false,
	} {
		s := &ChannelStatus{Status: status}
		assert.Equal(t, terminal, s.Terminal(), status)
	}
	assert.True(t, (&ChannelStatus{Status: "success"}).Succeeded())
	assert.False(t, (&ChannelStatus{Status: ChannelRefunded}).Succeeded())
}
