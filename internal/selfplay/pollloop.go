package selfplay

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/selfplay/internal/config"
	"github.com/janpfeifer/selfplay/internal/dataio"
	"github.com/janpfeifer/selfplay/internal/loadmodel"
	"github.com/janpfeifer/selfplay/internal/nneval"
	"github.com/janpfeifer/selfplay/internal/stopper"
)

// DefaultPollInterval is how long the poll loop sleeps between scans of the
// models directory.
const DefaultPollInterval = 20 * time.Second

// defaultProvisionTries bounds attempts at creating a model's output
// directories before the model is skipped for this poll cycle.
const defaultProvisionTries = 5

// PollLoop is the single background task that discovers newly trained models,
// provisions their output locations, installs them into the manager and
// schedules superseded models for draining.
type PollLoop struct {
	Manager *Manager
	Stopper *stopper.Stopper
	Cfg     *config.Config

	ModelsDir string
	OutputDir string

	// PollInterval defaults to DefaultPollInterval when zero.
	PollInterval time.Duration

	// ProvisionTries and ProvisionBackoff override the retry policy for
	// output-directory creation; the defaults match production use, tests
	// shrink them.
	ProvisionTries   int
	ProvisionBackoff func() time.Duration
}

func (p *PollLoop) pollInterval() time.Duration {
	if p.PollInterval > 0 {
		return p.PollInterval
	}
	return DefaultPollInterval
}

func (p *PollLoop) provisionTries() int {
	if p.ProvisionTries > 0 {
		return p.ProvisionTries
	}
	return defaultProvisionTries
}

func (p *PollLoop) provisionBackoff() time.Duration {
	if p.ProvisionBackoff != nil {
		return p.ProvisionBackoff()
	}
	// Random so that many processes racing on a shared filesystem spread out.
	return 10*time.Second + time.Duration(rand.Float64()*30*float64(time.Second))
}

// Run loops until the stop signal: poll for a model newer than the manager's
// latest, install it, schedule older models for draining, sleep. The sleep is
// interruptible so shutdown never waits out a full poll interval. On exit it
// schedules every superseded model for draining as a final sweep, leaving the
// latest acquirable for workers still finishing their last games.
func (p *PollLoop) Run() {
	klog.Infof("Model loading loop starting")
	for !p.Stopper.IsStopRequested() {
		lastModelName := p.Manager.GetLatestModelName()
		installed, err := p.LoadLatestModel(lastModelName)
		if err != nil {
			klog.Warningf("Could not load a new model, will retry next poll cycle: %v", err)
		}
		if installed {
			names := p.Manager.ModelNames()
			if len(names) == 0 {
				klog.Fatalf("Model list unexpectedly empty right after an install")
			}
			for _, name := range names[:len(names)-1] {
				p.Manager.ScheduleCleanupModelWhenFree(name)
			}
		}
		if p.Stopper.IsStopRequested() {
			break
		}
		p.Stopper.Sleep(p.pollInterval())
	}

	// Final sweep: drain everything but the latest model. Game workers may
	// still be finishing their last games and must be able to acquire it; the
	// coordinator retires it after the workers have joined.
	if names := p.Manager.ModelNames(); len(names) > 0 {
		for _, name := range names[:len(names)-1] {
			p.Manager.ScheduleCleanupModelWhenFree(name)
		}
	}
	klog.Infof("Model loading loop terminating")
}

// LoadLatestModel installs the newest model in ModelsDir if it differs from
// lastModelName (empty means "no model loaded yet"). It returns whether a
// model was installed. Errors are transient: the candidate is skipped and
// retried on the next poll cycle.
func (p *PollLoop) LoadLatestModel(lastModelName string) (bool, error) {
	candidate, found, err := loadmodel.FindLatestModel(p.ModelsDir)
	if err != nil {
		return false, err
	}
	if !found || candidate.Name == lastModelName {
		return false, nil
	}
	klog.Infof("Found new model %q", candidate.Name)

	modelOutputDir := filepath.Join(p.OutputDir, candidate.Name)
	sgfsDir := filepath.Join(modelOutputDir, "sgfs")
	tdataDir := filepath.Join(modelOutputDir, "tdata")
	vdataDir := filepath.Join(modelOutputDir, "vdata")
	if err := p.provisionDirs(modelOutputDir, sgfsDir, tdataDir, vdataDir); err != nil {
		return false, err
	}

	snapshotPath := filepath.Join(modelOutputDir, "selfplay-"+uuid.NewString()+".cfg")
	if err := os.WriteFile(snapshotPath, p.Cfg.Contents(), 0o644); err != nil {
		return false, errors.Wrapf(err, "cannot snapshot config to %q", snapshotPath)
	}

	// *2 + 16 to leave plenty of headroom over the worst-case concurrency.
	maxConcurrentEvals := p.Cfg.NumSearchThreads*p.Cfg.NumGameThreads*2 + 16
	evaluator, err := nneval.New(p.Cfg.NNBackend, candidate.Name, candidate.Path, maxConcurrentEvals)
	if err != nil {
		return false, err
	}
	klog.Infof("Loaded latest model %q from %s", candidate.Name, candidate.Path)

	trainWriter, err := dataio.NewTrainingDataWriter(
		tdataDir, p.Cfg.MaxRowsPerTrainFile, p.Cfg.FirstFileRandMinProp,
		p.Cfg.DataFeatureLen, p.Cfg.DataPolicyLen)
	if err != nil {
		return false, closeEvalOnError(evaluator, err)
	}
	valWriter, err := dataio.NewTrainingDataWriter(
		vdataDir, p.Cfg.MaxRowsPerValFile, p.Cfg.FirstFileRandMinProp,
		p.Cfg.DataFeatureLen, p.Cfg.DataPolicyLen)
	if err != nil {
		return false, closeEvalOnError(evaluator, err)
	}
	recordSink, err := dataio.NewGameRecordWriter(sgfsDir)
	if err != nil {
		return false, closeEvalOnError(evaluator, err)
	}

	p.Manager.LoadModelAndStartDataWriting(evaluator, trainWriter, valWriter, recordSink)
	klog.Infof("Model loading loop installed new model %q", candidate.Name)
	return true, nil
}

// provisionDirs creates the model's output directories, retrying with
// randomized backoff: sibling processes sharing the output root may race us
// on the same paths.
func (p *PollLoop) provisionDirs(dirs ...string) error {
	tries := p.provisionTries()
	for attempt := 1; ; attempt++ {
		err := makeDirs(dirs)
		if err == nil {
			return nil
		}
		if attempt == tries {
			return errors.WithMessagef(err, "could not provision model output directories after %d attempts", tries)
		}
		klog.Warningf("Error making model output directories, trying again shortly: %v", err)
		if p.Stopper.Sleep(p.provisionBackoff()) && p.Stopper.IsStopRequested() {
			return errors.New("interrupted while provisioning model output directories")
		}
	}
}

func makeDirs(dirs []string) error {
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "cannot create directory %q", dir)
		}
	}
	return nil
}

func closeEvalOnError(evaluator nneval.Evaluator, err error) error {
	if closeErr := evaluator.Close(); closeErr != nil {
		klog.Errorf("Failed releasing evaluator %q: %v", evaluator.ModelName(), closeErr)
	}
	return err
}
