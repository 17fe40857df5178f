package selfplay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/selfplay/internal/config"
	_ "github.com/janpfeifer/selfplay/internal/nneval/randomized"
	"github.com/janpfeifer/selfplay/internal/stopper"
)

func testConfig(t *testing.T, tmpDir string) *config.Config {
	t.Helper()
	configPath := filepath.Join(tmpDir, "selfplay.yaml")
	contents := []byte(`
numGameThreads: 2
numSearchThreads: 1
numGamesTotal: 100
dataFeatureLen: 4
dataPolicyLen: 3
maxRowsPerTrainFile: 1000
maxRowsPerValFile: 1000
`)
	require.NoError(t, os.WriteFile(configPath, contents, 0o644))
	cfg, err := config.Load(configPath)
	require.NoError(t, err)
	return cfg
}

func writeModel(t *testing.T, modelsDir, fileName string, modTime time.Time) {
	t.Helper()
	p := filepath.Join(modelsDir, fileName)
	require.NoError(t, os.WriteFile(p, []byte("weights"), 0o644))
	require.NoError(t, os.Chtimes(p, modTime, modTime))
}

func newTestPollLoop(t *testing.T, cfg *config.Config, tmpDir string) *PollLoop {
	t.Helper()
	modelsDir := filepath.Join(tmpDir, "models")
	require.NoError(t, os.MkdirAll(modelsDir, 0o755))
	return &PollLoop{
		Manager:          NewManager(cfg.ValidationProp, cfg.MaxDataQueueSize, cfg.LogGamesEvery),
		Stopper:          stopper.New(),
		Cfg:              cfg,
		ModelsDir:        modelsDir,
		OutputDir:        filepath.Join(tmpDir, "out"),
		PollInterval:     time.Millisecond,
		ProvisionBackoff: func() time.Duration { return time.Millisecond },
	}
}

func TestLoadLatestModelProvisionsAndInstalls(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t, tmpDir)
	p := newTestPollLoop(t, cfg, tmpDir)
	defer p.Manager.Shutdown()

	installed, err := p.LoadLatestModel("")
	require.NoError(t, err)
	require.False(t, installed, "empty models dir installs nothing")

	writeModel(t, p.ModelsDir, "m1.bin", time.Now())
	installed, err = p.LoadLatestModel("")
	require.NoError(t, err)
	require.True(t, installed)
	require.Equal(t, "m1", p.Manager.GetLatestModelName())

	modelOut := filepath.Join(p.OutputDir, "m1")
	for _, sub := range []string{"sgfs", "tdata", "vdata"} {
		info, err := os.Stat(filepath.Join(modelOut, sub))
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}

	// Exactly one config snapshot, byte for byte the loaded file.
	snapshots, err := filepath.Glob(filepath.Join(modelOut, "selfplay-*.cfg"))
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	got, err := os.ReadFile(snapshots[0])
	require.NoError(t, err)
	assert.Equal(t, cfg.Contents(), got)

	// The same model is not installed twice.
	installed, err = p.LoadLatestModel("m1")
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, []string{"m1"}, p.Manager.ModelNames())
}

func TestPollLoopInstallsNewerAndDrainsOlder(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t, tmpDir)
	p := newTestPollLoop(t, cfg, tmpDir)

	base := time.Now().Add(-time.Hour)
	writeModel(t, p.ModelsDir, "m1.bin", base)
	installed, err := p.LoadLatestModel("")
	require.NoError(t, err)
	require.True(t, installed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run()
	}()

	writeModel(t, p.ModelsDir, "m2.bin", base.Add(time.Minute))
	require.Eventually(t, func() bool {
		return p.Manager.GetLatestModelName() == "m2"
	}, 5*time.Second, time.Millisecond)

	// m1 had no holders, so scheduling its cleanup removed it outright.
	require.Eventually(t, func() bool {
		names := p.Manager.ModelNames()
		return len(names) == 1 && names[0] == "m2"
	}, 5*time.Second, time.Millisecond)

	// The final sweep on stop must leave the latest model acquirable: workers
	// may still be finishing their last games when the loop exits.
	p.Stopper.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not exit after the stop request")
	}
	require.Equal(t, []string{"m2"}, p.Manager.ModelNames())
	h := p.Manager.AcquireLatest()
	assert.Equal(t, "m2", h.ModelName())
	p.Manager.Release(h)

	// Retiring the last model is the coordinator's job, after workers join.
	p.Manager.Shutdown()
	assert.Empty(t, p.Manager.ModelNames())
}

func TestRunSweepKeepsLatestWhileWorkerHoldsIt(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t, tmpDir)
	p := newTestPollLoop(t, cfg, tmpDir)

	writeModel(t, p.ModelsDir, "m1.bin", time.Now())
	installed, err := p.LoadLatestModel("")
	require.NoError(t, err)
	require.True(t, installed)

	// A worker mid-game holds the latest model across the stop request.
	h := p.Manager.AcquireLatest()

	p.Stopper.Stop()
	p.Run()

	// The sweep ran with the handle still held; acquiring again (as a worker
	// taking one more pass, or a mid-game switch check, would) must succeed.
	h2 := p.Manager.AcquireLatest()
	assert.Equal(t, "m1", h2.ModelName())
	p.Manager.Release(h2)
	p.Manager.Release(h)
	p.Manager.Shutdown()
	assert.Empty(t, p.Manager.ModelNames())
}

func TestProvisionDirsRetriesThenGivesUp(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t, tmpDir)
	p := newTestPollLoop(t, cfg, tmpDir)
	p.ProvisionTries = 3
	defer p.Manager.Shutdown()

	// A regular file where a directory must go makes MkdirAll fail every time.
	blocker := filepath.Join(tmpDir, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	start := time.Now()
	err := p.provisionDirs(filepath.Join(blocker, "sub"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond, "two backoffs between three attempts")
}

func TestProvisionDirsAbortsOnStop(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := testConfig(t, tmpDir)
	p := newTestPollLoop(t, cfg, tmpDir)
	p.ProvisionTries = 1000
	p.ProvisionBackoff = func() time.Duration { return time.Hour }
	defer p.Manager.Shutdown()

	blocker := filepath.Join(tmpDir, "blocked")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	errC := make(chan error, 1)
	go func() { errC <- p.provisionDirs(filepath.Join(blocker, "sub")) }()
	time.Sleep(10 * time.Millisecond)
	p.Stopper.Stop()
	select {
	case err := <-errC:
		require.ErrorContains(t, err, "interrupted")
	case <-time.After(5 * time.Second):
		t.Fatal("provisioning did not abort on the stop request")
	}
}
