package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/market"
)

const sseMaxLineBytes = 1024 * 1024

// SSEFeed consumes a server-sent-events stream of oracle prices. Frames
// are `data: <json>` lines terminated by a blank line; comment lines
// keep the connection alive and carry nothing.
type SSEFeed struct {
	symbol string
	url    string
	client *resty.Client
	sink   Sink
	logger zerolog.Logger
}

// ssePriceEvent is the JSON payload of one price frame. Frames without
// a positive value (heartbeats, status messages) are ignored.
type ssePriceEvent struct {
	Symbol    string  `json:"symbol"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"` // ms
}

// NewSSEFeed creates the oracle_sse subscriber.
func NewSSEFeed(url, symbol string, sink Sink) *SSEFeed {
	client := resty.New().
		SetDoNotParseResponse(true).
		SetRetryCount(0)

	return &SSEFeed{
		symbol: symbol,
		url:    url,
		client: client,
		sink:   sink,
		logger: config.NewLogger("feed_oracle_sse"),
	}
}

// Source identifies this subscriber as the oracle SSE feed.
func (f *SSEFeed) Source() market.Source {
	return market.SourceOracleSSE
}

// Run reads the stream for one connection lifetime.
func (f *SSEFeed) Run(ctx context.Context) error {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache").
		Get(f.url)
	if err != nil {
		return fmt.Errorf("failed to open sse stream: %w", err)
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("sse stream returned status %d", resp.StatusCode())
	}

	f.sink.Connected(market.SourceOracleSSE)

	// Closing the body is the only way to unblock the scanner on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-stop:
		}
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), sseMaxLineBytes)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				f.handleFrame(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// event:/id:/retry: fields carry nothing we need
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sse stream read failed: %w", err)
	}
	return errors.New("sse stream closed by server")
}

func (f *SSEFeed) handleFrame(payload string) {
	var evt ssePriceEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		f.logger.Debug().Str("payload", payload).Msg("Ignoring undecodable sse frame")
		return
	}
	if evt.Value <= 0 {
		return
	}

	ts := time.Now()
	if evt.Timestamp > 0 {
		ts = time.UnixMilli(evt.Timestamp)
	}

	f.sink.PublishTick(market.Tick{
		Source:     market.SourceOracleSSE,
		Symbol:     f.symbol,
		Price:      evt.Value,
		Timestamp:  ts,
		ReceivedAt: time.Now(),
	})
}
