package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/automerge-docsync/pkg/config"
	"github.com/astromechza/automerge-docsync/pkg/relay"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to the config file (default $DOCSYNC_CONFIG or ~/.docsync/config.toml)")
	addrVar := flag.String("addr", "", "the address to listen on (overrides relay.address)")
	dbVar := flag.String("db", "", "the sqlite database path (overrides relay.database)")
	flag.Parse()

	path := *configVar
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()})))

	addr := cfg.RelayAddress()
	if *addrVar != "" {
		addr = *addrVar
	}
	dbPath := cfg.RelayDatabase()
	if *dbVar != "" {
		dbPath = *dbVar
	}

	slog.Info("Opening database", "path", dbPath)
	s, err := relay.Open(dbPath, relay.WithToken(cfg.Relay.Token))
	if err != nil {
		return err
	}
	defer s.Close()

	httpServer := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	slog.Info("disconnected clients", "count", s.DisconnectAll())
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("failed to shutdown cleanly", "err", err)
		_ = httpServer.Close()
	}
	wg.Wait()
	return nil
}
