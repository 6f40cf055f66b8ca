package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	collab "github.com/Allen1801/google-docs-clone"
	"github.com/Allen1801/google-docs-clone/server"
	"github.com/Allen1801/google-docs-clone/utils"
)

func defaultListen() string {
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":1234"
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func main() {
	listen := pflag.String("listen", defaultListen(), "address to serve on (PORT env overrides the default port)")
	logLevel := pflag.String("log-level", "info", "debug, info, warn or error")
	sweepEvery := pflag.Duration("sweep-every", collab.DefaultSweepPeriod, "how often to sweep stale presence")
	staleAfter := pflag.Duration("stale-after", collab.DefaultStaleAfter, "presence age after which a sweep removes it")
	pflag.Parse()

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := utils.NewDefaultLogger(level)

	registry := collab.NewRegistry(log)
	reaper := collab.NewReaper(registry, log,
		&collab.ReaperPeriodOpt{Period: *sweepEvery},
		&collab.ReaperStaleAfterOpt{StaleAfter: *staleAfter},
	)
	reaper.Start()
	defer reaper.Close()

	srv := server.NewServer(log, registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- srv.Listen(*listen) }()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down")
	case err := <-errc:
		if err != nil {
			log.Error("server: listen failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if err := srv.Close(); err != nil {
		log.Error("server: shutdown failed", "err", err)
	}
}
