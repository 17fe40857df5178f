// Package selfplay implements the orchestration core of continuous
// training-data generation: a refcounted pool of model instances with a
// single acquirable "latest" model, a bounded data-writing pipeline per
// model, the game worker loop and the model poll loop.
package selfplay

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/janpfeifer/selfplay/internal/game"
	"github.com/janpfeifer/selfplay/internal/nneval"
)

// DataWriter consumes finished games one at a time. Implemented by
// dataio.TrainingDataWriter and dataio.GameRecordWriter.
type DataWriter interface {
	WriteGame(data *game.FinishedGameData) error
	Close() error
}

// ModelHandle binds one evaluator instance to its output writers and
// lifecycle state. Handles are only obtained from Manager.AcquireLatest and
// must be returned with Manager.Release; the refcount and draining flag are
// guarded by the manager's lock.
type ModelHandle struct {
	evaluator   nneval.Evaluator
	trainWriter DataWriter
	valWriter   DataWriter
	recordSink  DataWriter // optional, receives every game of the model
	installedAt time.Time

	// Guarded by Manager.mu.
	refCount int
	draining bool

	trainQueue chan *game.FinishedGameData
	valQueue   chan *game.FinishedGameData
	drainWG    sync.WaitGroup

	gamesStarted atomic.Int64
}

// ModelName returns the stable key of the model behind this handle.
func (h *ModelHandle) ModelName() string { return h.evaluator.ModelName() }

// Evaluator returns the shared evaluator. Read-only use while the handle is
// held.
func (h *ModelHandle) Evaluator() nneval.Evaluator { return h.evaluator }

// drainLoop consumes one queue until it is closed at finalization time.
// Write failures are logged and do not stop the loop: losing one game's rows
// must not wedge the pipeline or the workers blocked on the queue.
func (h *ModelHandle) drainLoop(queue chan *game.FinishedGameData, writer DataWriter, split string) {
	defer h.drainWG.Done()
	for data := range queue {
		if err := writer.WriteGame(data); err != nil {
			klog.Errorf("Model %q: failed writing %s data for game %d: %v",
				h.ModelName(), split, data.GameIdx, err)
		}
		if h.recordSink != nil {
			if err := h.recordSink.WriteGame(data); err != nil {
				klog.Errorf("Model %q: failed writing game record %d: %v",
					h.ModelName(), data.GameIdx, err)
			}
		}
	}
}

// finalize flushes and closes the handle's writers and releases its
// evaluator. Called exactly once, with the handle already removed from the
// manager, and never while holding the manager's lock.
func (h *ModelHandle) finalize() {
	close(h.trainQueue)
	close(h.valQueue)
	h.drainWG.Wait()
	if err := h.trainWriter.Close(); err != nil {
		klog.Errorf("Model %q: failed closing train writer: %v", h.ModelName(), err)
	}
	if err := h.valWriter.Close(); err != nil {
		klog.Errorf("Model %q: failed closing validation writer: %v", h.ModelName(), err)
	}
	if h.recordSink != nil {
		if err := h.recordSink.Close(); err != nil {
			klog.Errorf("Model %q: failed closing game record sink: %v", h.ModelName(), err)
		}
	}
	if err := h.evaluator.Close(); err != nil {
		klog.Errorf("Model %q: failed releasing evaluator: %v", h.ModelName(), err)
	}
	klog.Infof("Model %q cleaned up (%d games started on it)", h.ModelName(), h.gamesStarted.Load())
}

// Manager is the sole authority over which model is latest, safe concurrent
// sharing of model instances, and routing of finished games to storage.
type Manager struct {
	validationProp   float64
	maxDataQueueSize int
	logGamesEvery    int64

	mu     sync.Mutex
	models []*ModelHandle // in install order; only the last may be non-draining

	totalGamesStarted atomic.Int64
}

// NewManager creates an empty pool. validationProp is the probability a
// finished game is routed to the validation split; maxDataQueueSize bounds
// each of the per-model train/validation queues; logGamesEvery controls
// progress reporting.
func NewManager(validationProp float64, maxDataQueueSize int, logGamesEvery int64) *Manager {
	if maxDataQueueSize < 1 {
		klog.Fatalf("maxDataQueueSize must be >= 1, got %d", maxDataQueueSize)
	}
	if logGamesEvery < 1 {
		// Used as a modulus when counting started games.
		klog.Fatalf("logGamesEvery must be >= 1, got %d", logGamesEvery)
	}
	return &Manager{
		validationProp:   validationProp,
		maxDataQueueSize: maxDataQueueSize,
		logGamesEvery:    logGamesEvery,
	}
}

// LoadModelAndStartDataWriting installs a new latest model with refcount 0
// and starts its data-writing pipeline. Every previously installed handle is
// marked draining in the same critical section, so an acquirer can never race
// a just-superseded handle back into active use. recordSink may be nil.
func (m *Manager) LoadModelAndStartDataWriting(evaluator nneval.Evaluator, trainWriter, valWriter, recordSink DataWriter) *ModelHandle {
	handle := &ModelHandle{
		evaluator:   evaluator,
		trainWriter: trainWriter,
		valWriter:   valWriter,
		recordSink:  recordSink,
		installedAt: time.Now(),
		trainQueue:  make(chan *game.FinishedGameData, m.maxDataQueueSize),
		valQueue:    make(chan *game.FinishedGameData, m.maxDataQueueSize),
	}
	handle.drainWG.Add(2)
	go handle.drainLoop(handle.trainQueue, trainWriter, "train")
	go handle.drainLoop(handle.valQueue, valWriter, "validation")

	m.mu.Lock()
	for _, old := range m.models {
		old.draining = true
	}
	toFinalize := m.removeFreeDrainingLocked()
	m.models = append(m.models, handle)
	m.mu.Unlock()

	for _, old := range toFinalize {
		old.finalize()
	}
	return handle
}

// removeFreeDrainingLocked removes every draining handle whose refcount is 0
// from the pool and returns them for finalization outside the lock.
func (m *Manager) removeFreeDrainingLocked() []*ModelHandle {
	var freed []*ModelHandle
	kept := m.models[:0]
	for _, h := range m.models {
		if h.draining && h.refCount == 0 {
			freed = append(freed, h)
		} else {
			kept = append(kept, h)
		}
	}
	m.models = kept
	return freed
}

// AcquireLatest returns the single non-draining handle with its refcount
// incremented. Calling it before the first successful model load is a
// programming defect and aborts.
func (m *Manager) AcquireLatest() *ModelHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ii := len(m.models) - 1; ii >= 0; ii-- {
		if h := m.models[ii]; !h.draining {
			h.refCount++
			return h
		}
	}
	klog.Fatalf("AcquireLatest called with no latest model loaded")
	return nil
}

// Release returns a handle obtained from AcquireLatest. The release that
// observes a draining handle reach refcount 0 finalizes it, outside the lock
// so unrelated models are never blocked on writer teardown.
func (m *Manager) Release(handle *ModelHandle) {
	m.mu.Lock()
	handle.refCount--
	if handle.refCount < 0 {
		m.mu.Unlock()
		klog.Fatalf("Model %q released more times than acquired", handle.ModelName())
	}
	finalize := handle.draining && handle.refCount == 0
	if finalize {
		m.removeLocked(handle)
	}
	m.mu.Unlock()

	if finalize {
		handle.finalize()
	}
}

func (m *Manager) removeLocked(handle *ModelHandle) {
	for ii, h := range m.models {
		if h == handle {
			m.models = append(m.models[:ii], m.models[ii+1:]...)
			return
		}
	}
	klog.Fatalf("Model %q not found in the pool", handle.ModelName())
}

// ScheduleCleanupModelWhenFree marks the named handle draining; if its
// refcount is already 0 it is finalized immediately. Unknown names and
// already-draining handles are no-ops, so the poll loop may call this
// repeatedly as a safety net.
func (m *Manager) ScheduleCleanupModelWhenFree(name string) {
	m.mu.Lock()
	var found *ModelHandle
	for _, h := range m.models {
		if h.ModelName() == name {
			found = h
			break
		}
	}
	var finalize bool
	if found != nil {
		found.draining = true
		if found.refCount == 0 {
			m.removeLocked(found)
			finalize = true
		}
	}
	m.mu.Unlock()

	if finalize {
		found.finalize()
	}
}

// EnqueueDataToWrite routes a finished game to the handle's validation queue
// with probability validationProp, else to its train queue. The caller must
// still hold the handle. When the queue is full the call blocks until the
// drain loop makes room: backpressure deliberately slows the workers down to
// disk speed instead of dropping data.
func (m *Manager) EnqueueDataToWrite(handle *ModelHandle, data *game.FinishedGameData) {
	if rand.Float64() < m.validationProp {
		handle.valQueue <- data
	} else {
		handle.trainQueue <- data
	}
}

// GetLatestModelName returns the name of the most recently installed model.
func (m *Manager) GetLatestModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.models) == 0 {
		klog.Fatalf("GetLatestModelName called with no model loaded")
	}
	return m.models[len(m.models)-1].ModelName()
}

// ModelNames returns the pooled model names in install order.
func (m *Manager) ModelNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, len(m.models))
	for ii, h := range m.models {
		names[ii] = h.ModelName()
	}
	return names
}

// CountOneGameStarted increments the progress counters and periodically logs
// them. Purely informational, never used for correctness decisions.
func (m *Manager) CountOneGameStarted(handle *ModelHandle) {
	handle.gamesStarted.Add(1)
	total := m.totalGamesStarted.Add(1)
	if total%m.logGamesEvery != 0 {
		return
	}
	m.mu.Lock()
	perModel := make(map[string]int64, len(m.models))
	for _, h := range m.models {
		perModel[h.ModelName()] = h.gamesStarted.Load()
	}
	m.mu.Unlock()
	klog.Infof("Started %d games so far, per model: %v", total, perModel)
}

// Shutdown schedules every remaining handle for draining and finalizes those
// already free. Called by the shutdown coordinator after workers and the poll
// loop have exited; by then every refcount is 0 and the pool ends up empty.
func (m *Manager) Shutdown() {
	for _, name := range m.ModelNames() {
		m.ScheduleCleanupModelWhenFree(name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.models {
		klog.Warningf("Model %q still held at shutdown (refcount=%d), leaking its writers", h.ModelName(), h.refCount)
	}
}
