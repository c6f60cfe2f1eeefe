package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	market "github.com/askexperts/market"
	"github.com/askexperts/market/scheduler"
)

// schedulerdMain is the true entry point; kept separate from main so its
// defers run even when an error sends us down the os.Exit(1) path,
// mirroring the teacher's lndMain/main split.
func schedulerdMain() error {
	var cfg config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		return err
	}

	if cfg.LogDir != "" {
		if err := market.InitLogRotator(cfg.LogDir+"/schedulerd.log", 10, 3); err != nil {
			return err
		}
	}
	applyDebugLevel(cfg.DebugLevel)

	store, err := loadExpertStore(cfg.ExpertsFile)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler(scheduler.Config{
		ListenAddr: cfg.ListenAddr,
		Store:      store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	log.Infof("schedulerd: listening on %s", sched.Addr())

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Infof("schedulerd: shutting down")
	return nil
}

func applyDebugLevel(spec string) {
	if !strings.Contains(spec, "=") {
		market.SetLogLevels(spec)
		return
	}
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		market.SetLogLevel(kv[0], kv[1])
	}
}

func main() {
	if err := schedulerdMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
