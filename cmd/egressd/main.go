package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/egressd/egressd/config"
	"github.com/egressd/egressd/internal/admin"
	"github.com/egressd/egressd/internal/logging"
	"github.com/egressd/egressd/internal/proxy"
	"github.com/egressd/egressd/internal/server"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "egressd.yaml", "path to configuration file")
		validate    = flag.Bool("validate", false, "validate the configuration and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("egressd", version)
		return
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *validate {
		fmt.Println("configuration ok")
		return
	}

	logger, err := logging.New(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	if err := run(cfg); err != nil {
		logging.Error("exit", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	p, err := proxy.New(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	srv := server.New(cfg, p)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)

	var adm *admin.Server
	if cfg.Admin.Enabled {
		adm = admin.New(cfg, p)
		g.Go(adm.ListenAndServe)
	}

	g.Go(func() error {
		<-gctx.Done()
		logging.Info("shutting down", zap.Duration("deadline", cfg.Server.Timeouts.Shutdown))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeouts.Shutdown)
		defer cancel()
		if adm != nil {
			adm.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
