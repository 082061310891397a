package window

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/config"
)

const gammaEventBody = `[
  {
    "id": "903211",
    "title": "Bitcoin Up or Down - August 25, 2AM ET",
    "slug": "btc-updown-15m-1756101600",
    "description": "This market will resolve Up if the Chainlink BTC/USD price at the end of the window is at or above the price at the start. Price to beat: $64,512.38",
    "active": true,
    "closed": false,
    "startTime": "2025-08-25T06:00:00Z",
    "endDate": "2025-08-25T06:15:00Z",
    "markets": [
      {
        "id": "512345",
        "conditionId": "0x1f9e9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f",
        "question": "Bitcoin Up or Down - August 25, 2AM ET",
        "outcomePrices": "[\"0.515\", \"0.485\"]",
        "clobTokenIds": "[\"71305528346279301317019743801734111295388511228312658249768539782399206706472\", \"29871318397900515091352348199720121346602722082719348626712394972425742889\"]",
        "volume": "15231.87",
        "eventStartTime": "2025-08-25T06:00:00Z"
      }
    ]
  }
]`

func gammaTestClient(t *testing.T, handler http.HandlerFunc) *GammaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGammaClient(config.VenueConfig{GammaBaseURL: srv.URL})
}

func serveJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

// TestGammaDiscoverResolvesContract tests slug construction and the
// double-unmarshal of the venue's list-as-string fields
func TestGammaDiscoverResolvesContract(t *testing.T) {
	var gotPath, gotSlug string
	client := gammaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSlug = r.URL.Query().Get("slug")
		serveJSON(gammaEventBody)(w, r)
	})

	contract, err := client.Discover(context.Background(), "btc", 1756101600)
	require.NoError(t, err)

	assert.Equal(t, "/events", gotPath)
	assert.Equal(t, "btc-updown-15m-1756101600", gotSlug)

	assert.Equal(t, "903211", contract.EventID)
	assert.Equal(t, "512345", contract.MarketID)
	assert.Equal(t, "0x1f9e9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f", contract.ConditionID)
	assert.Equal(t, "Bitcoin Up or Down - August 25, 2AM ET", contract.Question)
	assert.Equal(t, 64512.38, contract.Strike)
	assert.Equal(t, "71305528346279301317019743801734111295388511228312658249768539782399206706472", contract.UpTokenID)
	assert.Equal(t, "29871318397900515091352348199720121346602722082719348626712394972425742889", contract.DownTokenID)
	assert.Equal(t, 0.515, contract.UpPrice)
	assert.Equal(t, 0.485, contract.DownPrice)
	assert.WithinDuration(t, time.Date(2025, 8, 25, 6, 0, 0, 0, time.UTC), contract.StartsAt, time.Second)
}

// TestGammaDiscoverNotReady tests every retryable shape of "listed but
// not tradeable yet"
func TestGammaDiscoverNotReady(t *testing.T) {
	cases := map[string]string{
		"unlisted":   `[]`,
		"no markets": `[{"id":"1","markets":[]}]`,
		"unpriced":   `[{"id":"1","markets":[{"id":"2","outcomePrices":"null","clobTokenIds":"[\"a\",\"b\"]"}]}]`,
		"no strike":  `[{"id":"1","description":"Bitcoin Up or Down","markets":[{"id":"2","outcomePrices":"[\"0.5\",\"0.5\"]","clobTokenIds":"[\"a\",\"b\"]"}]}]`,
		"one-sided":  `[{"id":"1","description":"Price to beat: $100","markets":[{"id":"2","outcomePrices":"[\"1\"]","clobTokenIds":"[\"a\"]"}]}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client := gammaTestClient(t, serveJSON(body))
			_, err := client.Discover(context.Background(), "btc", 1756101600)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrContractNotReady)
		})
	}
}

// TestGammaDiscoverCorruptPayload tests that malformed venue data is a
// hard error, not a retryable not-ready
func TestGammaDiscoverCorruptPayload(t *testing.T) {
	body := `[{"id":"1","description":"Price to beat: $100","markets":[{"id":"2","outcomePrices":"[\"0.5\",\"0.5\"]","clobTokenIds":"not json"}]}]`
	client := gammaTestClient(t, serveJSON(body))

	_, err := client.Discover(context.Background(), "btc", 1756101600)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContractNotReady)
}

// TestGammaDiscoverServerError tests upstream failure propagation
func TestGammaDiscoverServerError(t *testing.T) {
	client := gammaTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := client.Discover(context.Background(), "btc", 1756101600)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrContractNotReady)
	assert.Contains(t, err.Error(), "502")
}

// TestExtractStrike tests the description keyword scan
func TestExtractStrike(t *testing.T) {
	cases := []struct {
		name string
		text string
		want float64
		ok   bool
	}{
		{"price to beat with commas", "resolves at the window end. Price to beat: $118,208.14 as captured at open.", 118208.14, true},
		{"starting price", "Starting Price $3,080.45", 3080.45, true},
		{"reference price colon", "reference price: $0.5", 0.5, true},
		{"space after dollar sign", "Price to beat: $ 64,900", 64900.0, true},
		{"keyword without colon", "the price to beat is $2,010", 2010.0, true},
		{"no keyword", "resolves to the Chainlink price $123.45", 0, false},
		{"no amount", "Price to beat: TBD", 0, false},
		{"empty", "", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractStrike(tc.text)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
