// Package randomized implements a game runner that plays randomized games
// driven purely by the evaluator's policy, with no real rules engine behind
// it. It exercises the whole selfplay pipeline (admission, mid-game model
// switching, forking, data writing) and is the default runner for smoke runs
// and tests.
package randomized

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/janpfeifer/selfplay/internal/game"
)

// RunnerName is the key under which this runner registers itself.
const RunnerName = "randomized"

// resignThreshold ends a game early once the evaluator is this sure.
const resignThreshold = 0.9

// forkProb is the per-move chance of donating the position to the fork pool.
const forkProb = 0.02

// startFromForkProb is the chance a new game starts from a pooled fork.
const startFromForkProb = 0.25

// switchCheckEvery is how many moves pass between mid-game switch checks.
const switchCheckEvery = 8

func init() {
	game.RegisterRunner(RunnerName, New)
}

// New creates the randomized runner.
func New(opts game.Options) (game.Runner, error) {
	if opts.FeatureLen < 1 || opts.PolicyLen < 1 || opts.MaxMovesPerGame < 1 {
		return nil, errors.Errorf("invalid runner options %+v", opts)
	}
	return &runner{opts: opts}, nil
}

type runner struct {
	opts game.Options
}

func (r *runner) RunGame(ctx context.Context, gameIdx int64, bot game.BotSpec, forkData *game.ForkData, switcher game.Switcher) (*game.FinishedGameData, error) {
	rng := rand.New(rand.NewPCG(0x5e1f9a17, uint64(gameIdx)))

	features := make([]float32, r.opts.FeatureLen)
	var moves []string
	if forkData != nil && rng.Float64() < startFromForkProb {
		if pos, ok := forkData.Take(); ok {
			copy(features, pos.Features)
			moves = append(moves, pos.Moves...)
		}
	}

	var records []game.PositionRecord
	// scorePerParity holds the outcome for each side, indexed by move parity.
	// It stays zero for draws (max moves reached).
	var scorePerParity [2]float32
	moveNum := len(moves)
	for ; moveNum < r.opts.MaxMovesPerGame; moveNum++ {
		if ctx.Err() != nil {
			// Interrupted: yields no data for this slot.
			return nil, nil
		}
		if switcher != nil && moveNum%switchCheckEvery == 0 {
			if spec, ok := switcher.CheckForNewer(); ok {
				bot = spec
			}
		}

		numLegal := 1 + rng.IntN(r.opts.PolicyLen)
		policy, value, err := bot.Evaluator.Evaluate(ctx, features, numLegal)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, errors.WithMessagef(err, "game %d failed at move %d", gameIdx, moveNum)
		}

		padded := make([]float32, r.opts.PolicyLen)
		copy(padded, policy)
		recordFeatures := make([]float32, len(features))
		copy(recordFeatures, features)
		records = append(records, game.PositionRecord{
			Features: recordFeatures,
			Policy:   padded,
			// Value is labeled with the final outcome once the game ends.
		})

		moveIdx := sampleMove(rng, policy)
		moves = append(moves, fmt.Sprintf("m%d.%d", moveNum, moveIdx))
		perturb(features, moveNum, moveIdx)

		if forkData != nil && rng.Float64() < forkProb {
			forked := &game.StartPosition{
				Features: append([]float32(nil), features...),
				Moves:    append([]string(nil), moves...),
			}
			forkData.Add(forked)
		}

		if math32.Abs(value) > resignThreshold {
			// value is from the point of view of the player to move at the
			// evaluated position.
			winnerParity := moveNum % 2
			if value < 0 {
				winnerParity = 1 - winnerParity
			}
			scorePerParity[winnerParity] = 1
			scorePerParity[1-winnerParity] = -1
			moveNum++
			break
		}
	}

	// Label every recorded position with the outcome, from the point of view
	// of the player to move at that position.
	firstRecorded := moveNum - len(records)
	for ii := range records {
		records[ii].Value = scorePerParity[(firstRecorded+ii)%2]
	}

	return &game.FinishedGameData{
		GameIdx:   gameIdx,
		ModelName: bot.Name,
		Records:   records,
		Outcome:   scorePerParity[0],
		Moves:     moves,
	}, nil
}

// sampleMove draws a move from the policy distribution.
func sampleMove(rng *rand.Rand, policy []float32) int {
	target := float32(rng.Float64())
	var acc float32
	for ii, p := range policy {
		acc += p
		if target < acc {
			return ii
		}
	}
	return len(policy) - 1
}

// perturb evolves the feature planes after a move, so positions along a game
// are related but distinct.
func perturb(features []float32, moveNum, moveIdx int) {
	idx := (moveNum*31 + moveIdx) % len(features)
	features[idx] = math32.Tanh(features[idx] + float32(moveIdx+1)/16)
}
