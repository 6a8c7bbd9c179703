// Command mongoping connects to a MongoDB deployment, runs the topology
// handshake, and prints the resolved member. With -observe-addr it also serves
// stats/health/metrics, adapted from cmd/dbbouncer's wiring-and-graceful-
// shutdown shape.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mongocore/mongocore"
	"github.com/mongocore/mongocore/internal/auth"
	"github.com/mongocore/mongocore/internal/metrics"
	"github.com/mongocore/mongocore/internal/observe"
	"github.com/mongocore/mongocore/internal/options"
)

func main() {
	uri := flag.String("uri", "mongodb://localhost:27017", "MongoDB connection URI")
	username := flag.String("username", "", "auth username (optional)")
	password := flag.String("password", "", "auth password (optional)")
	authSource := flag.String("auth-source", "admin", "auth source database")
	mechanism := flag.String("mechanism", "SCRAM-SHA-256", "auth mechanism")
	observeAddr := flag.String("observe-addr", "", "if set, serve status/health/metrics on this address (e.g. :8080)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	opts, err := options.Parse(*uri, options.WithLogger(logger))
	if err != nil {
		logger.Error("failed to parse connection URI", "err", err)
		os.Exit(1)
	}

	var collector *metrics.Collector
	if *observeAddr != "" {
		collector = metrics.New()
	}
	client := mongocore.New(opts, mongocore.WithMetrics(collector))

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if *username != "" {
		cred := auth.Credential{
			Mechanism: *mechanism,
			Source:    *authSource,
			Username:  *username,
			Secret:    *password,
		}
		if err := client.Connect(ctx, cred, true); err != nil {
			logger.Error("authentication failed", "err", err)
			os.Exit(1)
		}
	} else if err := client.Ping(ctx); err != nil {
		logger.Error("failed to resolve topology", "err", err)
		os.Exit(1)
	}

	logger.Info("resolved member",
		"primary", client.IsPrimary(),
		"mongos", client.IsMongos(),
		"nodes", client.NodeAddresses())

	var observeServer *observe.Server
	if *observeAddr != "" {
		observeServer = observe.New(client, collector, logger)
		if err := observeServer.Start(*observeAddr); err != nil {
			logger.Error("failed to start observe server", "err", err)
			os.Exit(1)
		}
		logger.Info("mongoping ready", "observe_addr", *observeAddr)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		observeServer.Stop()
	}

	client.Close()
	logger.Info("mongoping stopped")
}
