// Package randomized implements a deterministic pseudo-random evaluator
// backend. It needs no runtime or weights and exists for smoke runs of the
// full selfplay pipeline and for tests; policies and values are hashed from
// the model name and the position features, so two evaluators for the same
// model always agree.
package randomized

import (
	"context"
	"hash/maphash"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/janpfeifer/selfplay/internal/nneval"
)

// BackendName is the key under which this backend registers itself.
const BackendName = "randomized"

func init() {
	nneval.RegisterBackend(BackendName, backend{})
}

type backend struct{}

func (backend) NewEvaluator(modelName, modelPath string, maxConcurrentEvals int) (nneval.Evaluator, error) {
	if maxConcurrentEvals < 1 {
		return nil, errors.Errorf("maxConcurrentEvals must be >= 1, got %d", maxConcurrentEvals)
	}
	return &evaluator{
		modelName: modelName,
		budget:    semaphore.NewWeighted(int64(maxConcurrentEvals)),
	}, nil
}

func (backend) GlobalCleanup() {}

// fixedSeed is shared by all evaluators of this process so that two
// evaluators built from the same model name agree on every position.
var fixedSeed = maphash.MakeSeed()

type evaluator struct {
	modelName string
	budget    *semaphore.Weighted
}

func (e *evaluator) ModelName() string { return e.modelName }

func (e *evaluator) Evaluate(ctx context.Context, features []float32, numMoves int) (policy []float32, value float32, err error) {
	if numMoves <= 0 {
		return nil, 0, errors.Errorf("evaluator %q: numMoves must be > 0, got %d", e.modelName, numMoves)
	}
	if err := e.budget.Acquire(ctx, 1); err != nil {
		return nil, 0, errors.Wrapf(err, "evaluator %q interrupted", e.modelName)
	}
	defer e.budget.Release(1)

	var h maphash.Hash
	h.SetSeed(fixedSeed)
	h.WriteString(e.modelName)
	for _, f := range features {
		h.WriteByte(byte(math32.Float32bits(f) >> 24))
		h.WriteByte(byte(math32.Float32bits(f)))
	}
	state := h.Sum64()

	policy = make([]float32, numMoves)
	var total float32
	for ii := range policy {
		state = state*6364136223846793005 + 1442695040888963407
		policy[ii] = float32(state>>40) + 1
		total += policy[ii]
	}
	for ii := range policy {
		policy[ii] /= total
	}
	state = state*6364136223846793005 + 1442695040888963407
	// Squash into (-1, 1), same shape the real models are trained to emit.
	value = math32.Tanh(float32(int64(state)) / float32(1<<62))
	return policy, value, nil
}

func (e *evaluator) Close() error { return nil }
