// Package nneval defines the opaque evaluator contract the selfplay core
// drives games against, and a registry of backends that implement it.
// It also allows evaluator backends to register themselves.
package nneval

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Evaluator is one inference-capable model instance. It is shared read-only by
// every concurrent holder of its pool handle; implementations must be safe for
// concurrent Evaluate calls up to the budget they were constructed with.
type Evaluator interface {
	// ModelName returns the stable model key this evaluator was built from.
	ModelName() string

	// Evaluate scores one position: a policy distribution over numMoves moves
	// and a value in [-1, 1] from the point of view of the player to move.
	Evaluate(ctx context.Context, features []float32, numMoves int) (policy []float32, value float32, err error)

	// Close releases the instance. Called exactly once, during handle
	// finalization, after all holders have released.
	Close() error
}

// Backend constructs evaluators and owns whatever process-wide state the
// inference runtime needs.
type Backend interface {
	// NewEvaluator loads the model at modelPath. maxConcurrentEvals is the
	// largest number of Evaluate calls that may be in flight at once.
	NewEvaluator(modelName, modelPath string, maxConcurrentEvals int) (Evaluator, error)

	// GlobalCleanup releases process-wide runtime resources. Called once, at
	// shutdown, after every evaluator has been closed.
	GlobalCleanup()
}

var (
	muRegistry sync.Mutex
	backends   = make(map[string]Backend)
)

// RegisterBackend makes a backend selectable by name from the configuration.
// Usually called from the backend package's init.
func RegisterBackend(name string, backend Backend) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	backends[name] = backend
}

// New builds an evaluator using the named registered backend.
func New(backendName, modelName, modelPath string, maxConcurrentEvals int) (Evaluator, error) {
	muRegistry.Lock()
	backend, ok := backends[backendName]
	muRegistry.Unlock()
	if !ok {
		return nil, errors.Errorf("unknown evaluator backend %q", backendName)
	}
	eval, err := backend.NewEvaluator(modelName, modelPath, maxConcurrentEvals)
	if err != nil {
		return nil, errors.WithMessagef(err, "backend %q failed to load model %q", backendName, modelName)
	}
	return eval, nil
}

// GlobalCleanup releases process-wide resources of every registered backend.
func GlobalCleanup() {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	for _, backend := range backends {
		backend.GlobalCleanup()
	}
}
