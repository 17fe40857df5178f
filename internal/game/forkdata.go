package game

import (
	"math/rand/v2"
	"sync"
)

// DefaultForkDataCapacity bounds the shared fork pool.
const DefaultForkDataCapacity = 1024

// StartPosition is a midgame position a runner forked off, from which a later
// game may be started instead of the initial position.
type StartPosition struct {
	Features []float32
	Moves    []string
}

// ForkData is a bounded pool of forked starting positions shared by all game
// workers. Safe for concurrent use.
type ForkData struct {
	mu       sync.Mutex
	capacity int
	forks    []*StartPosition
}

// NewForkData creates a pool with the given capacity; capacity <= 0 uses
// DefaultForkDataCapacity.
func NewForkData(capacity int) *ForkData {
	if capacity <= 0 {
		capacity = DefaultForkDataCapacity
	}
	return &ForkData{capacity: capacity}
}

// Add inserts a forked position. When the pool is full a random existing
// entry is replaced, keeping the pool biased towards recent play without
// growing without bound.
func (f *ForkData) Add(pos *StartPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forks) < f.capacity {
		f.forks = append(f.forks, pos)
		return
	}
	f.forks[rand.IntN(len(f.forks))] = pos
}

// Take removes and returns a random forked position, or (nil, false) when the
// pool is empty.
func (f *ForkData) Take() (*StartPosition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.forks) == 0 {
		return nil, false
	}
	idx := rand.IntN(len(f.forks))
	pos := f.forks[idx]
	last := len(f.forks) - 1
	f.forks[idx] = f.forks[last]
	f.forks[last] = nil
	f.forks = f.forks[:last]
	return pos, true
}

// Len returns the current number of pooled positions.
func (f *ForkData) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forks)
}
