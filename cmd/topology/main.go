// Command topology declares the broker topology once and exits. It is
// used by deployment jobs to set up exchanges and queues before the
// broker and its peers start.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/workspace-broker/internal/adapter/observability"
	"github.com/fairyhunter13/workspace-broker/internal/config"
)

func main() {
	file := flag.String("file", "", "topology YAML descriptor; built-in defaults when empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	slog.SetDefault(observability.SetupLogger(cfg))

	topology := config.DefaultTopology(cfg.DLXExchange, cfg.DLXRoutingKey)
	if !cfg.EffectiveDLXEnabled() {
		topology = config.DefaultTopology("", "")
	}
	if *file != "" {
		topology, err = config.LoadTopology(*file)
		if err != nil {
			slog.Error("topology load failed", slog.String("file", *file), slog.Any("error", err))
			os.Exit(1)
		}
	}

	conn := rabbitmq.NewConnection(cfg)
	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = conn.Disconnect() }()

	ch, err := conn.Channel()
	if err != nil {
		slog.Error("channel open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = ch.Close() }()

	topo, err := rabbitmq.NewTopologyManager(cfg, topology)
	if err != nil {
		slog.Error("topology invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if err := topo.Initialize(ch); err != nil {
		slog.Error("topology declare failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("topology declared",
		slog.Int("exchanges", len(topology.Exchanges)),
		slog.Int("queues", len(topology.Queues)))
}
