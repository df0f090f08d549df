package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TickerUpdate is one streamed ticker frame. Delta frames carry only
// the fields that changed; zero-valued decimals in Ticker mean "not
// present in this frame" and callers merge rather than replace.
type TickerUpdate struct {
	Symbol   string
	Category string
	Ticker   Ticker
}

// Stream maintains a public websocket subscription to ticker topics
// for one category and pushes parsed updates to a handler. It
// reconnects with a fixed delay and replays its subscriptions after
// every reconnect.
type Stream struct {
	url            string
	category       string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	log            *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	topics []string
}

// NewStream builds a stream for the given public websocket endpoint,
// e.g. wss://stream.bybit.com/v5/public/linear, subscribed to the
// ticker topic of each symbol.
func NewStream(url, category string, symbols []string, reconnectDelay, pingInterval time.Duration, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	topics := make([]string, 0, len(symbols))
	for _, s := range symbols {
		topics = append(topics, "tickers."+s)
	}
	return &Stream{
		url:            url,
		category:       category,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		log:            log,
		topics:         topics,
	}
}

// Run connects, subscribes, and dispatches ticker frames to handler
// until ctx is cancelled. Read errors trigger a reconnect after the
// configured delay; only context cancellation ends the loop.
func (s *Stream) Run(ctx context.Context, handler func(TickerUpdate)) error {
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("stream connect failed", zap.String("url", s.url), zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.reconnectDelay):
			}
			continue
		}

		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			s.pingLoop(pingCtx)
		}()

		err := s.readLoop(ctx, handler)
		cancel()
		<-pingDone
		s.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logReadError(err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	if len(s.topics) > 0 {
		sub := wsCommand{Op: "subscribe", Args: s.topics}
		if err := writeJSON(ctx, conn, sub); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	s.conn = conn
	return nil
}

func (s *Stream) readLoop(ctx context.Context, handler func(TickerUpdate)) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("stream not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		update, ok, err := s.parseFrame(data)
		if err != nil {
			s.log.Debug("stream frame skipped", zap.Error(err))
			continue
		}
		if ok && handler != nil {
			handler(update)
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	interval := s.pingInterval
	s.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, wsCommand{Op: "ping"}); err != nil {
				return
			}
		}
	}
}

// parseFrame extracts a ticker update from a raw frame. Subscription
// acks, pongs, and other topics report ok=false without error.
func (s *Stream) parseFrame(data []byte) (TickerUpdate, bool, error) {
	var frame struct {
		Topic string `json:"topic"`
		Op    string `json:"op"`
		Data  struct {
			Symbol      string `json:"symbol"`
			LastPrice   string `json:"lastPrice"`
			MarkPrice   string `json:"markPrice"`
			IndexPrice  string `json:"indexPrice"`
			FundingRate string `json:"fundingRate"`
			Volume24h   string `json:"volume24h"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return TickerUpdate{}, false, err
	}
	if frame.Topic == "" || frame.Data.Symbol == "" {
		return TickerUpdate{}, false, nil
	}
	last, err := parseDecimal(frame.Data.LastPrice)
	if err != nil {
		return TickerUpdate{}, false, fmt.Errorf("lastPrice: %w", err)
	}
	mark, err := parseDecimal(frame.Data.MarkPrice)
	if err != nil {
		return TickerUpdate{}, false, fmt.Errorf("markPrice: %w", err)
	}
	index, err := parseDecimal(frame.Data.IndexPrice)
	if err != nil {
		return TickerUpdate{}, false, fmt.Errorf("indexPrice: %w", err)
	}
	rate, err := parseDecimal(frame.Data.FundingRate)
	if err != nil {
		return TickerUpdate{}, false, fmt.Errorf("fundingRate: %w", err)
	}
	volume, err := parseDecimal(frame.Data.Volume24h)
	if err != nil {
		return TickerUpdate{}, false, fmt.Errorf("volume24h: %w", err)
	}
	return TickerUpdate{
		Symbol:   frame.Data.Symbol,
		Category: s.category,
		Ticker: Ticker{
			Symbol:      frame.Data.Symbol,
			LastPrice:   last,
			MarkPrice:   mark,
			IndexPrice:  index,
			FundingRate: rate,
			Volume24h:   volume,
			Retrieved:   time.Now().UTC(),
		},
	}, true, nil
}

func (s *Stream) logReadError(err error) {
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		s.log.Info("stream closed", zap.Error(err))
		return
	}
	s.log.Warn("stream read ended", zap.Error(err))
}

func (s *Stream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "reset")
		s.conn = nil
	}
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
