package backtest

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrSweepRunning = errors.New("a sweep is already running")

// Status is a point-in-time snapshot of a background sweep.
type Status struct {
	Running   bool
	Completed int
	Total     int
	Err       error
	Result    *SweepResult
}

// Runner executes sweeps in the background so a long grid never blocks the
// caller; completion is observed by polling Status.
type Runner struct {
	sweep *Sweep

	mu     sync.Mutex
	status Status
}

func NewRunner(sweep *Sweep) *Runner {
	return &Runner{sweep: sweep}
}

// Start launches the sweep in a goroutine. Only one sweep runs at a time.
func (r *Runner) Start(ctx context.Context, grid Grid) error {
	r.mu.Lock()
	if r.status.Running {
		r.mu.Unlock()
		return ErrSweepRunning
	}
	r.status = Status{Running: true, Total: grid.combinations()}
	r.mu.Unlock()

	go func() {
		res, err := r.sweep.Run(ctx, grid, func(done, total int, _ map[string]decimal.Decimal, _ Result) {
			r.mu.Lock()
			r.status.Completed = done
			r.status.Total = total
			r.mu.Unlock()
		})
		r.mu.Lock()
		r.status.Running = false
		r.status.Err = err
		r.status.Result = &res
		r.mu.Unlock()
	}()
	return nil
}

// Status returns a copy of the current sweep state.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
