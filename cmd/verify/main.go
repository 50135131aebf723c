package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-verify/internal/config"
	"github.com/23skdu/longbow-verify/internal/harness"
	"github.com/23skdu/longbow-verify/internal/logger"
	"github.com/23skdu/longbow-verify/internal/remote"
)

var (
	kernelName  = flag.String("kernel", "cpu", "Kernel to verify (see -list)")
	flightAddr  = flag.String("flight-addr", "", "Arrow Flight kernel server address, registers the 'flight' kernel")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console, json)")
	dumpDir     = flag.String("dump-dir", "", "Directory for Arrow IPC mismatch artifacts")
	seed        = flag.Int64("seed", 42, "Base RNG seed for tensor generation")
	single      = flag.Bool("single", false, "Run only the default configuration instead of the full axes product")
	listKernels = flag.Bool("list", false, "List registered kernels and exit")
	failFast    = flag.Bool("fail-fast", false, "Stop at the first mismatch")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.WithComponent("verify")

	if *flightAddr != "" {
		remote.Register(*flightAddr)
	}
	if *listKernels {
		for _, name := range harness.KernelNames() {
			os.Stdout.WriteString(name + "\n")
		}
		return
	}

	kernel, err := harness.NewKernel(*kernelName)
	if err != nil {
		log.Error("kernel setup failed", "error", err)
		os.Exit(1)
	}
	if closer, ok := kernel.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cases []config.Case
	if *single {
		cases = []config.Case{config.Default()}
	} else {
		cases = config.DefaultAxes().Cases()
	}
	for i := range cases {
		cases[i].Seed = *seed
	}

	cmp := harness.NewComparator()
	cmp.DumpDir = *dumpDir

	var passed, failed, skipped int
	start := time.Now()
	for _, cs := range cases {
		if ctx.Err() != nil {
			log.Warn("interrupted", "remaining", len(cases)-passed-failed-skipped)
			break
		}
		res, err := cmp.Run(ctx, kernel, cs)
		if err != nil {
			failed++
			log.Error("case failed", "error", err)
			var mm *harness.MismatchError
			if !errors.As(err, &mm) || *failFast {
				break
			}
			continue
		}
		if res.Skipped {
			skipped++
			continue
		}
		passed++
	}

	log.Info("suite complete",
		"kernel", kernel.Name(),
		"passed", passed,
		"failed", failed,
		"skipped", skipped,
		"total", len(cases),
		"elapsed", time.Since(start).String())
	if failed > 0 {
		os.Exit(1)
	}
}
