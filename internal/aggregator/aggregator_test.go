package aggregator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"basevault/internal/aggregator"
)

func TestQuoteSendsExpectedQuery(t *testing.T) {
	var capturedQuery map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/swap/allowance-holder/quote", r.URL.Path)
		capturedQuery = map[string][]string(r.URL.Query())
		resp := map[string]interface{}{
			"buyAmount":  "1000000",
			"sellAmount": "500000000000000000",
			"transaction": map[string]string{
				"to":   "0xRouter",
				"data": "0xabc",
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := aggregator.New(server.URL, 8453)
	quote, err := client.Quote(context.Background(), "0xSell", "0xBuy", "500000000000000000", "0xTaker")
	require.NoError(t, err)
	require.Equal(t, "1000000", quote.BuyAmount)
	require.Equal(t, "0xRouter", quote.Transaction.To)
	require.Equal(t, []string{"0xSell"}, capturedQuery["sellToken"])
	require.Equal(t, []string{"8453"}, capturedQuery["chainId"])
}

func TestQuoteNonSuccessStatusIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := aggregator.New(server.URL, 8453)
	_, err := client.Quote(context.Background(), "0xSell", "0xBuy", "1", "0xTaker")
	require.Error(t, err)
}

func TestQuoteAllowanceSpender(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"buyAmount":  "1",
			"sellAmount": "1",
			"issues":     map[string]interface{}{"allowance": map[string]string{"spender": "0xSpender"}},
			"transaction": map[string]string{"to": "0xRouter", "data": "0x"},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := aggregator.New(server.URL, 8453)
	quote, err := client.Quote(context.Background(), "0xSell", "0xBuy", "1", "0xTaker")
	require.NoError(t, err)
	require.Equal(t, "0xSpender", quote.SpenderAddress())
}
