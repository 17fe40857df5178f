// Package game defines the contract between the selfplay orchestration core
// and the game-playing collaborator that actually runs games.
// It also allows game runner implementations to register themselves.
package game

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/janpfeifer/selfplay/internal/nneval"
)

// PositionRecord is the training row for one position of a finished game.
type PositionRecord struct {
	// Features encode the position, length fixed per configuration.
	Features []float32

	// Policy is the search-improved move distribution, padded to the
	// configured policy length.
	Policy []float32

	// Value is the game outcome from the point of view of the player to move
	// at this position.
	Value float32
}

// FinishedGameData is the result of one completed game. Ownership transfers
// from the worker to the data pipeline on enqueue; it is consumed exactly once
// by a shard writer.
type FinishedGameData struct {
	// GameIdx is the unique admission index of the game.
	GameIdx int64

	// ModelName identifies the model that produced the game, or its final
	// segment if the game switched models midway.
	ModelName string

	// Records holds one training row per recorded position, in move order.
	Records []PositionRecord

	// Outcome is the final result in [-1, 1] for the first player.
	Outcome float32

	// Moves is the played move sequence, for the raw game-record sink.
	Moves []string
}

// BotSpec describes the bot a game is played with.
type BotSpec struct {
	// Name is the model name the game (segment) will be attributed to.
	Name string

	// Evaluator scores positions. Shared read-only with other games.
	Evaluator nneval.Evaluator

	// NumSearchThreads is the per-game search parallelism.
	NumSearchThreads int
}

// Switcher is the mid-game model switching strategy. Runners call it at
// decision points between moves; when it reports a switch the runner must
// adopt the returned spec for the remainder of the game.
type Switcher interface {
	// CheckForNewer returns (spec, true) when a newer model than the one in
	// use is available, and (zero, false) otherwise.
	CheckForNewer() (BotSpec, bool)
}

// Runner runs single games start to finish.
type Runner interface {
	// RunGame plays one game. It must honor ctx cancellation promptly between
	// moves and return (nil, nil) when interrupted: that is the designed
	// termination path, not an error. switcher may be nil when mid-game
	// switching is disabled.
	RunGame(ctx context.Context, gameIdx int64, bot BotSpec, forkData *ForkData, switcher Switcher) (*FinishedGameData, error)
}

// Options configure a runner at construction.
type Options struct {
	FeatureLen      int
	PolicyLen       int
	MaxMovesPerGame int
}

// Factory builds a Runner from options.
type Factory func(opts Options) (Runner, error)

var (
	muRegistry sync.Mutex
	factories  = make(map[string]Factory)
)

// RegisterRunner makes a runner selectable by name from the configuration.
// Usually called from the runner package's init.
func RegisterRunner(name string, factory Factory) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	factories[name] = factory
}

// NewRunner builds the named registered runner.
func NewRunner(name string, opts Options) (Runner, error) {
	muRegistry.Lock()
	factory, ok := factories[name]
	muRegistry.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown game runner %q", name)
	}
	runner, err := factory(opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create game runner %q", name)
	}
	return runner, nil
}
