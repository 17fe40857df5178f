// Package profilers sets up optional profiling for the selfplay daemon.
//
// If linked, it installs the profiler flags. It has no role in data
// generation itself.
package profilers

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime/pprof"

	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, serves /debug/pprof on localhost at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
)

// Setup starts the HTTP (flag -prof) and CPU (flag -cpu_profile) profilers,
// if they were configured. Follow with a deferred call to OnQuit.
func Setup() {
	if *flagProfiler >= 0 {
		addr := fmt.Sprintf("localhost:%d", *flagProfiler)
		klog.Infof("Serving profiler on http://%s/debug/pprof", addr)
		go func() {
			klog.Fatal(http.ListenAndServe(addr, nil))
		}()
	}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			klog.Fatalf("Could not create CPU profile file %q: %v", *flagCPUProfile, err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			klog.Fatalf("Could not start CPU profile: %v", err)
		}
	}
}

// OnQuit flushes the CPU profile. The HTTP profiler dies with the process;
// shutdown stays signal driven.
func OnQuit() {
	if *flagCPUProfile != "" {
		pprof.StopCPUProfile()
	}
}
