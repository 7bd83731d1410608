// Package governor mediates all access to blocking resources: filesystem
// scans and slide decodes run on a fixed worker pool, decoder usage is
// bounded by per-class admission semaphores, and every offloaded call
// carries an explicit wall-clock budget.
package governor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/KatherLab/wsi-viewer/internal/logging"
	"github.com/KatherLab/wsi-viewer/internal/metrics"
)

// ErrTimeout is returned when an offloaded call exceeds its budget. The
// underlying task is not forcibly stopped; it may run to completion with
// its result discarded.
var ErrTimeout = errors.New("operation timed out")

// Class identifies an admission-control class.
type Class string

const (
	// ClassScan covers filesystem work; it is pool-bounded only.
	ClassScan Class = "scan"
	// ClassThumbnail covers thumbnail decodes, the smaller decoder budget.
	ClassThumbnail Class = "thumbnail"
	// ClassTile covers single-tile decodes, the larger decoder budget.
	ClassTile Class = "tile"
)

// Config sizes the pool and the admission classes.
type Config struct {
	Workers        int
	ThumbnailSlots int
	TileSlots      int
}

// Governor owns the worker pool and admission semaphores.
type Governor struct {
	tasks chan func()
	wg    sync.WaitGroup
	sems  map[Class]*semaphore.Weighted

	cancel context.CancelFunc
}

// New creates a Governor. Zero or negative sizes fall back to defaults.
func New(cfg Config) *Governor {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.ThumbnailSlots <= 0 {
		cfg.ThumbnailSlots = 2
	}
	if cfg.TileSlots <= 0 {
		cfg.TileSlots = 8
	}
	g := &Governor{
		tasks: make(chan func(), 1024),
		sems: map[Class]*semaphore.Weighted{
			ClassThumbnail: semaphore.NewWeighted(int64(cfg.ThumbnailSlots)),
			ClassTile:      semaphore.NewWeighted(int64(cfg.TileSlots)),
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for i := 0; i < cfg.Workers; i++ {
		g.wg.Add(1)
		go g.worker(ctx)
	}
	logging.Info("governor started",
		zap.Int("workers", cfg.Workers),
		zap.Int("thumbnail_slots", cfg.ThumbnailSlots),
		zap.Int("tile_slots", cfg.TileSlots))
	return g
}

// Stop shuts the pool down and waits for in-progress tasks.
func (g *Governor) Stop() {
	g.cancel()
	g.wg.Wait()
	logging.Info("governor stopped")
}

func (g *Governor) worker(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-g.tasks:
			fn()
		}
	}
}

type result[T any] struct {
	val T
	err error
}

// Do runs fn on g's worker pool under the class admission semaphore and a
// wall-clock budget. The derived context is cancelled when the budget
// expires or the caller goes away; fn is expected to check it at its yield
// points. When the budget expires the caller gets ErrTimeout immediately
// even though fn may still be running.
//
// Admission beyond a class's limit queues without a depth cap.
func Do[T any](g *Governor, ctx context.Context, class Class, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	metrics.GovernorQueued(string(class), 1)
	defer metrics.GovernorQueued(string(class), -1)

	// The admission slot is held until the task itself finishes, not until
	// Do returns: an abandoned task still occupies the decoder.
	release := func() {}
	if sem := g.sems[class]; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return zero, err
		}
		release = func() { sem.Release(1) }
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan result[T], 1)
	task := func() {
		defer release()
		val, err := fn(tctx)
		ch <- result[T]{val, err}
	}

	select {
	case g.tasks <- task:
	case <-tctx.Done():
		release()
		return zero, budgetErr(tctx, ctx, class)
	}

	select {
	case res := <-ch:
		return res.val, res.err
	case <-tctx.Done():
		return zero, budgetErr(tctx, ctx, class)
	}
}

// budgetErr distinguishes a blown budget from caller cancellation.
func budgetErr(tctx, ctx context.Context, class Class) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		metrics.RecordGovernorTimeout(string(class))
		return ErrTimeout
	}
	return tctx.Err()
}
