package selfplay

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/selfplay/internal/game"
	"github.com/janpfeifer/selfplay/internal/stopper"
)

// Driver runs the pool of game workers against the manager.
type Driver struct {
	Manager *Manager
	Runner  game.Runner
	Stopper *stopper.Stopper

	// ForkData is shared by all workers; may be nil for runners that never
	// fork.
	ForkData *game.ForkData

	// MaxGamesTotal caps admission: a worker that claims an index at or past
	// it releases its handle and exits, so the pool winds down without any
	// coordinated shutdown.
	MaxGamesTotal int64

	// SwitchNetsMidGame enables handing a switcher to the runner.
	SwitchNetsMidGame bool

	// NumSearchThreads is forwarded on every BotSpec.
	NumSearchThreads int

	// numGamesStarted is the shared game admission counter: unique, gap-free
	// indices, each issued to exactly one worker.
	numGamesStarted atomic.Int64
}

// Run starts numWorkers game loops and blocks until all of them exit. A
// runner error cancels the remaining workers' contexts and is returned; the
// normal stop paths (stop signal, games exhausted) return nil.
func (d *Driver) Run(ctx context.Context, numWorkers int) error {
	wg, ctx := errgroup.WithContext(ctx)
	for threadIdx := range numWorkers {
		wg.Go(func() error {
			return d.gameLoop(ctx, threadIdx)
		})
	}
	return wg.Wait()
}

func (d *Driver) gameLoop(ctx context.Context, threadIdx int) error {
	var prevModelName string
	for {
		if d.Stopper.IsStopRequested() || ctx.Err() != nil {
			break
		}
		handle := d.Manager.AcquireLatest()
		if name := handle.ModelName(); name != prevModelName {
			prevModelName = name
			klog.Infof("Game loop %d starting games on new model %q", threadIdx, name)
		}

		gameIdx := d.numGamesStarted.Add(1) - 1
		d.Manager.CountOneGameStarted(handle)

		var data *game.FinishedGameData
		if gameIdx < d.MaxGamesTotal {
			sw := &handleSwitcher{driver: d, handle: handle, threadIdx: threadIdx}
			var switcher game.Switcher
			if d.SwitchNetsMidGame {
				switcher = sw
			}
			var err error
			data, err = d.Runner.RunGame(ctx, gameIdx, d.botSpec(handle), d.ForkData, switcher)
			// The switcher may have swapped which handle this worker holds;
			// the game's data belongs to the handle held at the end.
			handle = sw.handle
			if err != nil {
				d.Manager.Release(handle)
				klog.Errorf("Game loop %d: game %d failed: %v", threadIdx, gameIdx, err)
				return err
			}
		}

		// A nil result means the game was interrupted by the stop signal, or
		// admission ran past the total: the designed termination path.
		shouldContinue := data != nil
		if data != nil {
			d.Manager.EnqueueDataToWrite(handle, data)
		}
		d.Manager.Release(handle)
		if !shouldContinue {
			break
		}
	}
	klog.Infof("Game loop %d terminating", threadIdx)
	return nil
}

func (d *Driver) botSpec(handle *ModelHandle) game.BotSpec {
	return game.BotSpec{
		Name:             handle.ModelName(),
		Evaluator:        handle.Evaluator(),
		NumSearchThreads: d.NumSearchThreads,
	}
}

// handleSwitcher is the mid-game switching strategy handed to the runner: it
// re-acquires the latest handle and adopts it when it differs from the one in
// use, releasing the superseded one. The remainder of the game, and its data,
// is attributed to the adopted model.
type handleSwitcher struct {
	driver    *Driver
	handle    *ModelHandle
	threadIdx int
}

func (s *handleSwitcher) CheckForNewer() (game.BotSpec, bool) {
	newHandle := s.driver.Manager.AcquireLatest()
	if newHandle == s.handle {
		s.driver.Manager.Release(newHandle)
		return game.BotSpec{}, false
	}
	s.driver.Manager.Release(s.handle)
	s.handle = newHandle
	klog.Infof("Game loop %d switching midgame to new model %q", s.threadIdx, newHandle.ModelName())
	return s.driver.botSpec(newHandle), true
}
