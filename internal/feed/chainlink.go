package feed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/market"
)

// latestRoundData() on the Chainlink aggregator proxy.
const latestRoundDataSelector = "feaf968c"

const (
	oracleCallTimeout   = 5 * time.Second
	maxOraclePollErrors = 5
)

// ChainlinkFeed polls a Chainlink aggregator over JSON-RPC and emits an
// oracle_push tick whenever the answer or round changes. Settlement uses
// this feed's prints, so it points at the same aggregator the venue
// resolves against.
type ChainlinkFeed struct {
	symbol   string
	rpcURL   string
	feed     common.Address
	decimals int32
	interval time.Duration
	sink     Sink
	logger   zerolog.Logger

	lastRound uint64
	lastPrice float64
}

// NewChainlinkFeed creates the oracle_push subscriber.
func NewChainlinkFeed(cfg config.OracleConfig, symbol string, sink Sink) *ChainlinkFeed {
	return &ChainlinkFeed{
		symbol:   symbol,
		rpcURL:   cfg.RPCURL,
		feed:     common.HexToAddress(cfg.FeedAddress),
		decimals: int32(cfg.Decimals),
		interval: time.Duration(cfg.PollMS) * time.Millisecond,
		sink:     sink,
		logger:   config.NewLogger("feed_oracle_push"),
	}
}

// Source identifies this subscriber as the oracle push feed.
func (f *ChainlinkFeed) Source() market.Source {
	return market.SourceOraclePush
}

// Run polls the aggregator once per interval for one connection
// lifetime. Repeated poll failures end the session so the manager's
// backoff takes over.
func (f *ChainlinkFeed) Run(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, f.rpcURL)
	if err != nil {
		return fmt.Errorf("failed to dial oracle rpc: %w", err)
	}
	defer client.Close()

	// Prove the endpoint answers before declaring the feed up.
	if err := f.poll(ctx, client); err != nil {
		return fmt.Errorf("initial oracle read failed: %w", err)
	}
	f.sink.Connected(market.SourceOraclePush)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.poll(ctx, client); err != nil {
				failures++
				f.logger.Warn().Err(err).Int("consecutive", failures).Msg("Oracle poll failed")
				if failures >= maxOraclePollErrors {
					return fmt.Errorf("oracle rpc unhealthy after %d consecutive failures: %w", failures, err)
				}
				continue
			}
			failures = 0
		}
	}
}

func (f *ChainlinkFeed) poll(ctx context.Context, client *ethclient.Client) error {
	callCtx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()

	out, err := client.CallContract(callCtx, ethereum.CallMsg{
		To:   &f.feed,
		Data: common.Hex2Bytes(latestRoundDataSelector),
	}, nil)
	if err != nil {
		return fmt.Errorf("latestRoundData call failed: %w", err)
	}

	round, err := parseRoundData(out, f.decimals)
	if err != nil {
		return err
	}

	// Push semantics: only a new round or a changed answer becomes a tick.
	if round.RoundID == f.lastRound && round.Price == f.lastPrice {
		return nil
	}
	f.lastRound = round.RoundID
	f.lastPrice = round.Price

	f.sink.PublishTick(market.Tick{
		Source:     market.SourceOraclePush,
		Symbol:     f.symbol,
		Price:      round.Price,
		Timestamp:  round.UpdatedAt,
		ReceivedAt: time.Now(),
	})
	return nil
}

type roundData struct {
	RoundID   uint64
	Price     float64
	UpdatedAt time.Time
}

// parseRoundData decodes the five-word latestRoundData return value:
// (uint80 roundId, int256 answer, uint256 startedAt, uint256 updatedAt,
// uint80 answeredInRound).
func parseRoundData(out []byte, decimals int32) (roundData, error) {
	if len(out) < 160 {
		return roundData{}, fmt.Errorf("short round data response: %d bytes", len(out))
	}

	roundID := new(big.Int).SetBytes(out[0:32]).Uint64()
	answer := new(big.Int).SetBytes(out[32:64])
	updatedAt := new(big.Int).SetBytes(out[96:128]).Int64()

	price, _ := decimal.NewFromBigInt(answer, -decimals).Float64()
	if price <= 0 {
		return roundData{}, fmt.Errorf("non-positive oracle answer %s", answer.String())
	}

	return roundData{
		RoundID:   roundID,
		Price:     price,
		UpdatedAt: time.Unix(updatedAt, 0),
	}, nil
}
