package randomized

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/selfplay/internal/nneval"
)

func newTestEvaluator(t *testing.T, modelName string) nneval.Evaluator {
	t.Helper()
	eval, err := nneval.New(BackendName, modelName, "/unused/path", 4)
	require.NoError(t, err)
	return eval
}

func TestEvaluatePolicyIsDistribution(t *testing.T) {
	eval := newTestEvaluator(t, "m1")
	defer func() { require.NoError(t, eval.Close()) }()

	for _, numMoves := range []int{1, 2, 7, 64} {
		policy, value, err := eval.Evaluate(context.Background(), []float32{0.5, -1, 2}, numMoves)
		require.NoError(t, err)
		require.Len(t, policy, numMoves)
		var total float32
		for _, p := range policy {
			assert.Positive(t, p)
			total += p
		}
		assert.InDelta(t, 1.0, total, 1e-4)
		assert.Greater(t, value, float32(-1))
		assert.Less(t, value, float32(1))
	}
}

func TestEvaluateDeterministicAcrossInstances(t *testing.T) {
	evalA := newTestEvaluator(t, "m1")
	evalB := newTestEvaluator(t, "m1")
	features := []float32{1, 2, 3, 4}

	policyA, valueA, err := evalA.Evaluate(context.Background(), features, 8)
	require.NoError(t, err)
	policyB, valueB, err := evalB.Evaluate(context.Background(), features, 8)
	require.NoError(t, err)
	assert.Equal(t, policyA, policyB, "same model, same position, same answer")
	assert.Equal(t, valueA, valueB)
}

func TestEvaluateVariesWithModelAndPosition(t *testing.T) {
	evalA := newTestEvaluator(t, "m1")
	evalB := newTestEvaluator(t, "m2")
	features := []float32{1, 2, 3, 4}

	policyA, _, err := evalA.Evaluate(context.Background(), features, 8)
	require.NoError(t, err)
	policyB, _, err := evalB.Evaluate(context.Background(), features, 8)
	require.NoError(t, err)
	assert.NotEqual(t, policyA, policyB, "different models disagree")

	policyA2, _, err := evalA.Evaluate(context.Background(), []float32{4, 3, 2, 1}, 8)
	require.NoError(t, err)
	assert.NotEqual(t, policyA, policyA2, "different positions disagree")
}

func TestEvaluateRejectsBadArguments(t *testing.T) {
	eval := newTestEvaluator(t, "m1")
	_, _, err := eval.Evaluate(context.Background(), nil, 0)
	require.Error(t, err)

	_, err = nneval.New(BackendName, "m1", "/unused/path", 0)
	require.Error(t, err)
}

func TestEvaluateHonorsContextCancellation(t *testing.T) {
	eval := newTestEvaluator(t, "m1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := eval.Evaluate(ctx, []float32{1}, 4)
	require.Error(t, err, "a cancelled context interrupts the evaluation budget wait")
}
