package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-carry-bot/internal/state"

	"go.uber.org/zap"
)

// Gateway is the slice of the exchange client the live executor needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, symbol string, category Category) error
}

// LiveExecutor delegates fills to the exchange and deduplicates retried
// submissions by client order id, persisting the mapping so a restart
// cannot double-place an order.
type LiveExecutor struct {
	gw    Gateway
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func NewLiveExecutor(gw Gateway, store state.Store, log *zap.Logger) *LiveExecutor {
	if log == nil {
		log = zap.NewNop()
	}
	return &LiveExecutor{
		gw:    gw,
		store: store,
		log:   log,
		cache: make(map[string]string),
	}
}

func (e *LiveExecutor) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.ClientOrderID != "" {
		key := "order:" + req.ClientOrderID
		if oid, ok, err := e.lookup(ctx, key); err != nil {
			return OrderResult{}, err
		} else if ok {
			e.log.Info("duplicate submission short-circuited",
				zap.String("client_order_id", req.ClientOrderID),
				zap.String("order_id", oid),
			)
			return OrderResult{}, fmt.Errorf("%w: client order id %s already placed as %s", ErrRejected, req.ClientOrderID, oid)
		}
	}

	var res OrderResult
	err := e.retry(ctx, func() error {
		var err error
		res, err = e.gw.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return OrderResult{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if res.OrderID == "" {
		return OrderResult{}, fmt.Errorf("%w: exchange returned empty order id", ErrRejected)
	}

	if req.ClientOrderID != "" {
		e.remember(ctx, "order:"+req.ClientOrderID, res.OrderID)
	}
	return res, nil
}

func (e *LiveExecutor) CancelOrder(ctx context.Context, orderID, symbol string, category Category) bool {
	err := e.retry(ctx, func() error {
		return e.gw.CancelOrder(ctx, orderID, symbol, category)
	})
	if err != nil {
		e.log.Warn("cancel failed",
			zap.String("order_id", orderID),
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (e *LiveExecutor) lookup(ctx context.Context, key string) (string, bool, error) {
	e.mu.Lock()
	if oid, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return oid, true, nil
	}
	e.mu.Unlock()
	if e.store == nil {
		return "", false, nil
	}
	oid, ok, err := e.store.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if ok {
		e.mu.Lock()
		e.cache[key] = oid
		e.mu.Unlock()
	}
	return oid, ok, nil
}

func (e *LiveExecutor) remember(ctx context.Context, key, orderID string) {
	if e.store != nil {
		if err := e.store.Set(ctx, key, orderID); err != nil {
			e.log.Warn("failed to persist order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[key] = orderID
	e.mu.Unlock()
}

func (e *LiveExecutor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	const attempts = 5
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt == attempts-1 {
			return fmt.Errorf("retry failed: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}
