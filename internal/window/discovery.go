package window

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

// ErrContractNotReady marks a window the venue has not listed, priced,
// or stamped with a strike yet. Discovery retries until it clears.
var ErrContractNotReady = errors.New("window contract not ready")

// Contract is the venue metadata that makes a window tradeable.
type Contract struct {
	EventID     string
	MarketID    string
	ConditionID string
	Question    string
	Strike      float64
	UpTokenID   string
	DownTokenID string
	UpPrice     float64
	DownPrice   float64
	StartsAt    time.Time
}

// GammaClient resolves window contracts from the venue's Gamma REST API.
// The window id doubles as the event slug it queries by.
type GammaClient struct {
	client *resty.Client
	logger zerolog.Logger
}

// NewGammaClient builds the discovery client against the configured
// Gamma base URL.
func NewGammaClient(cfg config.VenueConfig) *GammaClient {
	client := resty.New().
		SetBaseURL(cfg.GammaBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &GammaClient{
		client: client,
		logger: config.NewLogger("gamma"),
	}
}

// Gamma encodes list-valued market fields (outcome prices, token ids) as
// JSON strings that need a second unmarshal.
type gammaEvent struct {
	ID             string        `json:"id"`
	Title          string        `json:"title"`
	Slug           string        `json:"slug"`
	Description    string        `json:"description"`
	Active         bool          `json:"active"`
	Closed         bool          `json:"closed"`
	StartTime      string        `json:"startTime"`
	EventStartTime string        `json:"eventStartTime"`
	EndDate        string        `json:"endDate"`
	Markets        []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ID             string `json:"id"`
	ConditionID    string `json:"conditionId"`
	Question       string `json:"question"`
	Description    string `json:"description"`
	OutcomePrices  string `json:"outcomePrices"`
	ClobTokenIds   string `json:"clobTokenIds"`
	Volume         string `json:"volume"`
	EventStartTime string `json:"eventStartTime"`
}

// Discover fetches the event listed under the window's slug and parses
// the contract out of it. Token order follows the venue: index 0 is the
// up token, index 1 the down token.
func (g *GammaClient) Discover(ctx context.Context, symbol string, openEpoch int64) (*Contract, error) {
	slug := ID(symbol, openEpoch)

	var events []gammaEvent
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return nil, fmt.Errorf("gamma events request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gamma events request: status %s", resp.Status())
	}
	if len(events) == 0 || len(events[0].Markets) == 0 {
		return nil, ErrContractNotReady
	}

	event := events[0]
	mkt := event.Markets[0]

	// Listed but not priced yet.
	if mkt.OutcomePrices == "" || mkt.OutcomePrices == "null" {
		return nil, fmt.Errorf("%w: no outcome prices", ErrContractNotReady)
	}

	prices, err := parseStringList(mkt.OutcomePrices)
	if err != nil {
		return nil, fmt.Errorf("gamma outcomePrices: %w", err)
	}
	tokenIDs, err := parseStringList(mkt.ClobTokenIds)
	if err != nil {
		return nil, fmt.Errorf("gamma clobTokenIds: %w", err)
	}
	if len(prices) < 2 || len(tokenIDs) < 2 {
		return nil, fmt.Errorf("%w: incomplete outcome data", ErrContractNotReady)
	}

	strike, ok := extractStrike(event.Description + " " + mkt.Description)
	if !ok {
		return nil, fmt.Errorf("%w: no strike in description", ErrContractNotReady)
	}

	upPrice, _ := strconv.ParseFloat(prices[0], 64)
	downPrice, _ := strconv.ParseFloat(prices[1], 64)

	contract := &Contract{
		EventID:     event.ID,
		MarketID:    mkt.ID,
		ConditionID: mkt.ConditionID,
		Question:    event.Title,
		Strike:      strike,
		UpTokenID:   tokenIDs[0],
		DownTokenID: tokenIDs[1],
		UpPrice:     upPrice,
		DownPrice:   downPrice,
	}
	for _, ts := range []string{mkt.EventStartTime, event.StartTime, event.EventStartTime} {
		if ts == "" {
			continue
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			contract.StartsAt = parsed
			break
		}
	}

	g.logger.Debug().
		Str("slug", slug).
		Str("market_id", contract.MarketID).
		Float64("strike", contract.Strike).
		Msg("Window contract discovered")
	return contract, nil
}

func parseStringList(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Keywords that precede the strike in venue event descriptions, most
// specific first.
var strikeKeywords = []string{
	"price to beat:",
	"price to beat",
	"starting price:",
	"starting price",
	"reference price:",
	"reference price",
}

// extractStrike pulls the reference price out of description text, e.g.
// "Price to beat: $118,208.14".
func extractStrike(text string) (float64, bool) {
	text = strings.ToLower(text)
	for _, kw := range strikeKeywords {
		idx := strings.Index(text, kw)
		if idx < 0 {
			continue
		}
		if price, ok := firstDollarAmount(text[idx+len(kw):]); ok {
			return price, true
		}
	}
	return 0, false
}

// firstDollarAmount parses the first $-prefixed number, tolerating
// thousands separators and whitespace after the sign.
func firstDollarAmount(text string) (float64, bool) {
	start := strings.Index(text, "$")
	if start < 0 {
		return 0, false
	}

	var num []byte
scan:
	for i := start + 1; i < len(text); i++ {
		c := text[i]
		switch {
		case '0' <= c && c <= '9', c == '.':
			num = append(num, c)
		case c == ',':
		default:
			if len(num) > 0 {
				break scan
			}
		}
	}

	if len(num) == 0 {
		return 0, false
	}
	price, err := strconv.ParseFloat(string(num), 64)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}
