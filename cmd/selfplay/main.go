// selfplay continuously generates training data by running many games in
// parallel against the latest trained model, polling a models directory and
// hot-swapping newly trained models into the worker pool without interrupting
// games in flight.
//
// Usage:
//
//	selfplay --config-file FILE --models-dir DIR --output-dir DIR
//
// Data is laid out as <output-dir>/<model-name>/{sgfs,tdata,vdata}/ with
// rotated shard files, plus one configuration snapshot per installed model.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/janpfeifer/selfplay/internal/config"
	"github.com/janpfeifer/selfplay/internal/game"
	"github.com/janpfeifer/selfplay/internal/nneval"
	"github.com/janpfeifer/selfplay/internal/profilers"
	"github.com/janpfeifer/selfplay/internal/selfplay"
	"github.com/janpfeifer/selfplay/internal/stopper"

	// Default collaborators, selectable from the config file.
	_ "github.com/janpfeifer/selfplay/internal/game/randomized"
	_ "github.com/janpfeifer/selfplay/internal/nneval/randomized"
)

// Flags
var (
	flagConfigFile = flag.String("config-file", "", "Config file to use. Required.")
	flagModelsDir  = flag.String("models-dir", "", "Directory to poll and load models from. Required.")
	flagOutputDir  = flag.String("output-dir", "", "Directory to output data files to. Required.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagConfigFile == "" || *flagModelsDir == "" || *flagOutputDir == "" {
		fmt.Fprintln(os.Stderr, "Error: --config-file, --models-dir and --output-dir are all required.")
		flag.Usage()
		os.Exit(1)
	}

	if err := run(); err != nil {
		klog.Errorf("Selfplay engine failed: %+v", err)
		klog.Flush()
		os.Exit(2)
	}
	klog.Flush()
}

func run() error {
	cfg, err := config.Load(*flagConfigFile)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*flagOutputDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create output directory %q", *flagOutputDir)
	}
	if err := os.MkdirAll(*flagModelsDir, 0o755); err != nil {
		return errors.Wrapf(err, "cannot create models directory %q", *flagModelsDir)
	}
	closeLog, err := teeLogToFile(*flagOutputDir)
	if err != nil {
		return err
	}
	defer closeLog()

	klog.Infof("Self Play Engine starting...")
	profilers.Setup()
	defer profilers.OnQuit()

	// Capture SIGINT/SIGTERM. Workers and the game runner observe the stop
	// through this stopper and through ctx.
	stop := stopper.New()
	stop.NotifySignals()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop.Done()
		cancel()
	}()

	manager := selfplay.NewManager(cfg.ValidationProp, cfg.MaxDataQueueSize, cfg.LogGamesEvery)
	pollLoop := &selfplay.PollLoop{
		Manager:   manager,
		Stopper:   stop,
		Cfg:       cfg,
		ModelsDir: *flagModelsDir,
		OutputDir: *flagOutputDir,
	}

	// The initial model must load: workers may never query an empty pool.
	installed, err := pollLoop.LoadLatestModel("")
	if err != nil {
		return errors.WithMessage(err, "could not load the initial model")
	}
	if !installed {
		return errors.Errorf("no model available in %q; selfplay needs at least one model to start", *flagModelsDir)
	}

	runner, err := game.NewRunner(cfg.GameRunner, game.Options{
		FeatureLen:      cfg.DataFeatureLen,
		PolicyLen:       cfg.DataPolicyLen,
		MaxMovesPerGame: cfg.MaxMovesPerGame,
	})
	if err != nil {
		return err
	}

	driver := &selfplay.Driver{
		Manager:           manager,
		Runner:            runner,
		Stopper:           stop,
		ForkData:          game.NewForkData(0),
		MaxGamesTotal:     cfg.NumGamesTotal,
		SwitchNetsMidGame: cfg.SwitchNetsMidGame,
		NumSearchThreads:  cfg.NumSearchThreads,
	}

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		pollLoop.Run()
	}()

	klog.Infof("Loaded all config stuff, starting self play")
	runErr := driver.Run(ctx, cfg.NumGameThreads)

	// All workers are done. Force the stop flag (covers workers exiting on
	// their own, e.g. games exhausted), wake the poll loop's sleep and join
	// it, then finalize whatever is still draining.
	stop.Stop()
	stop.Wake()
	<-pollDone
	manager.Shutdown()
	nneval.GlobalCleanup()

	if stop.SigReceived() {
		klog.Infof("Exited cleanly after signal")
	}
	klog.Infof("All cleaned up, quitting")
	return runErr
}

// teeLogToFile mirrors klog output into a per-process log file under
// outputDir, randomly named so parallel runs sharing the directory never
// collide.
func teeLogToFile(outputDir string) (closeLog func(), err error) {
	name := fmt.Sprintf("log%s-%s.log", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(outputDir, name)
	logFile, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create log file %q", path)
	}
	// klog only honors SetOutput when not logging straight to stderr; these
	// flags exist whenever klog.InitFlags ran, so Set cannot fail.
	must.M(flag.Set("logtostderr", "false"))
	must.M(flag.Set("alsologtostderr", "false"))
	klog.SetOutput(io.MultiWriter(os.Stderr, logFile))
	return func() {
		klog.Flush()
		_ = logFile.Close()
	}, nil
}
