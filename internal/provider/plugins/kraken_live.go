package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/markethub/internal/models"
	"github.com/quantfold/markethub/internal/provider"
)

const krakenWSURL = "wss://ws.kraken.com"

// KrakenLive streams OHLC bars over the Kraken websocket. GetData performs
// one full connect/subscribe/listen/close cycle per invocation; the dispatch
// timeout bounds the whole cycle.
type KrakenLive struct {
	wsURL string
}

// NewKrakenLive builds the realtime Kraken plugin.
func NewKrakenLive(env provider.Env) (provider.Provider, error) {
	wsURL := krakenWSURL
	if override, ok := env.Secrets["ws_url"]; ok && override != "" {
		wsURL = override
	}
	return &KrakenLive{wsURL: wsURL}, nil
}

func (k *KrakenLive) Name() string { return "kraken_live" }
func (k *KrakenLive) Type() string { return provider.TypeRealtime }
func (k *KrakenLive) RateLimit() provider.RateLimit {
	return provider.RateLimit{Calls: 20, Seconds: 60}
}
func (k *KrakenLive) Close() error { return nil }

// CloseBufferSeconds pads the listen cutoff to catch the final bar publish.
func (k *KrakenLive) CloseBufferSeconds() int { return 5 }

// GetAvailableSymbols is served by the REST sibling plugin.
func (k *KrakenLive) GetAvailableSymbols(ctx context.Context) ([]models.SymbolInfo, error) {
	return nil, provider.ErrNotSupported
}

// GetData listens until the interval boundary plus the close buffer and
// returns the latest bar per symbol whose timestamp is inside the bar window.
func (k *KrakenLive) GetData(ctx context.Context, interval string, symbols []string) ([]models.Bar, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, k.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken websocket dial failed: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"event": "subscribe",
		"pair":  symbols,
		"subscription": map[string]interface{}{
			"name":     "ohlc",
			"interval": krakenInterval(interval),
		},
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		return nil, fmt.Errorf("kraken subscribe failed: %w", err)
	}

	barEnd := provider.NextIntervalBoundary(time.Now().UTC(), interval)
	cutoff := barEnd.Add(time.Duration(k.CloseBufferSeconds()) * time.Second)

	latest := make(map[string]models.Bar)
	for time.Now().Before(cutoff) {
		if err := ctx.Err(); err != nil {
			break
		}
		conn.SetReadDeadline(cutoff)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Deadline reached or stream closed; ship what we collected.
			break
		}
		bar, ok := parseOHLCMessage(payload)
		if !ok {
			continue
		}
		// Bars past the window belong to the next fire.
		if bar.Timestamp.After(barEnd) {
			continue
		}
		if prev, seen := latest[bar.Symbol]; !seen || bar.Timestamp.After(prev.Timestamp) {
			latest[bar.Symbol] = bar
		}
	}

	unsubscribe := map[string]interface{}{
		"event": "unsubscribe",
		"pair":  symbols,
		"subscription": map[string]interface{}{
			"name":     "ohlc",
			"interval": krakenInterval(interval),
		},
	}
	if err := conn.WriteJSON(unsubscribe); err != nil {
		log.Debug().Err(err).Msg("Kraken unsubscribe failed")
	}

	bars := make([]models.Bar, 0, len(latest))
	for _, bar := range latest {
		bars = append(bars, bar)
	}
	return bars, ctx.Err()
}

// parseOHLCMessage decodes one channel frame:
// [channelID, [time, etime, open, high, low, close, vwap, volume, count], "ohlc-N", "PAIR"].
func parseOHLCMessage(payload []byte) (models.Bar, bool) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil || len(frame) < 4 {
		return models.Bar{}, false
	}

	var channel string
	if err := json.Unmarshal(frame[2], &channel); err != nil || len(channel) < 4 || channel[:4] != "ohlc" {
		return models.Bar{}, false
	}
	var pair string
	if err := json.Unmarshal(frame[3], &pair); err != nil {
		return models.Bar{}, false
	}

	var values []json.Number
	if err := json.Unmarshal(frame[1], &values); err != nil || len(values) < 8 {
		return models.Bar{}, false
	}

	ts, err := values[0].Float64()
	if err != nil {
		return models.Bar{}, false
	}
	return models.Bar{
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Symbol:    pair,
		Open:      number(values[2]),
		High:      number(values[3]),
		Low:       number(values[4]),
		Close:     number(values[5]),
		Volume:    number(values[7]),
	}, true
}
