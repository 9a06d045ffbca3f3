// Command lama loads, verifies, and executes a Lama bytecode image.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/lama-vm/lama/bytefile"
	"github.com/lama-vm/lama/config"
	"github.com/lama-vm/lama/interp"
	"github.com/lama-vm/lama/tracelog"
	"github.com/lama-vm/lama/vcache"
	"github.com/lama-vm/lama/verify"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to a lama.toml tuning file")
	trace := flag.Bool("trace", false, "Emit a structured JSON run log to stderr")
	cacheDir := flag.String("cache-dir", "", "Verification cache directory (default from lama.toml or $XDG_CACHE_HOME/lama)")
	noCache := flag.Bool("no-cache", false, "Disable the verification cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lama [options] <bytecodePath>\n\n")
		fmt.Fprintf(os.Stderr, "Verifies and executes a Lama bytecode image.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	bytecodePath := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if *cacheDir != "" {
		cfg.Cache.Dir = *cacheDir
	}
	if *noCache {
		cfg.Cache.Disable = true
	}

	logger := tracelog.New(os.Stderr, *trace || cfg.Trace.DefaultOn)

	startTime := time.Now()

	raw, err := os.ReadFile(bytecodePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid bytefile at %s:\n%v\n", bytecodePath, err)
		logger.Error("load", err)
		return 2
	}
	img, err := bytefile.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid bytefile at %s:\n%v\n", bytecodePath, err)
		logger.Error("load", err)
		return 2
	}

	cache := vcache.NewStore(cfg.Cache.Dir, cfg.Cache.Disable)
	digest := vcache.Digest(raw)

	if rec, err := cache.Lookup(digest); err == nil && rec.GlobalAreaSize == img.GlobalAreaSize && len(rec.Code) == len(img.Code) {
		img.Code = rec.Code
		logger.Stage("verify", "cached", true)
	} else {
		if err := verify.Verify(img); err != nil {
			fmt.Fprintf(os.Stderr, "invalid bytefile at %s:\n%v\n", bytecodePath, err)
			logger.Error("verify", err)
			return 2
		}
		if err := cache.Put(digest, &vcache.Record{GlobalAreaSize: img.GlobalAreaSize, Code: img.Code}); err != nil {
			logger.Error("cache-put", err)
		}
		logger.Stage("verify", "cached", false)
	}
	verifiedTime := time.Now()
	fmt.Fprintf(os.Stderr, "finished verification\n")

	it := interp.New(img, interp.Options{
		Stdin:         os.Stdin,
		Stdout:        os.Stdout,
		StackCapacity: cfg.Stack.InitialSize,
		MaxFrames:     cfg.Stack.MaxFrames,
		Tracer:        logger,
	})
	if err := it.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		logger.Error("interpret", err)
		return 3
	}
	finishedTime := time.Now()

	logger.Stage("done",
		"verification_ms", verifiedTime.Sub(startTime).Milliseconds(),
		"interpretation_ms", finishedTime.Sub(verifiedTime).Milliseconds(),
	)
	fmt.Fprintf(os.Stderr, "verification time: %s\n", verifiedTime.Sub(startTime))
	fmt.Fprintf(os.Stderr, "interpretation time: %s\n", finishedTime.Sub(verifiedTime))
	return 0
}
