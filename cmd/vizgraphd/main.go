package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calterras/vizgraph/internal/config"
	"github.com/calterras/vizgraph/internal/transport"
	"github.com/calterras/vizgraph/pkg/engine"
)

// logRenderer stands in for the GPU renderer when running headless: it logs
// each replacement render set. A real frontend registers its own
// engine.Renderer instead.
type logRenderer struct{}

func (logRenderer) Render(set engine.RenderSet) {
	slog.Info("render set replaced",
		"nodes", len(set.Nodes),
		"edges", len(set.Edges),
		"detail", set.Detail.String(),
	)
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	wsURL := flag.String("ws-url", "", "Websocket delta channel URL (overrides config)")
	fetchURL := flag.String("fetch-url", "", "Gap-fill fetch base URL (overrides config)")
	metricsAddr := flag.String("metrics-addr", ":9100", "Address for the Prometheus /metrics endpoint")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *wsURL != "" {
		cfg.Transport.WebsocketURL = *wsURL
	}
	if *fetchURL != "" {
		cfg.Transport.FetchBaseURL = *fetchURL
	}
	if cfg.Transport.WebsocketURL == "" || cfg.Transport.FetchBaseURL == "" {
		log.Fatal("A websocket URL and a fetch base URL are required (flags or config file)")
	}

	opts, err := cfg.EngineOptions()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	fetcher := transport.NewHTTPFetcher(cfg.Transport.FetchBaseURL)
	eng, err := engine.Open(opts, fetcher, logRenderer{})
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	sub, err := transport.Dial(
		cfg.Transport.WebsocketURL,
		eng.Cursor()+1,
		cfg.Transport.PingInterval,
		eng.Ingest,
		func(err error) { slog.Error("delta channel lost, exiting", "error", err) },
	)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	go func() {
		slog.Info("metrics endpoint listening", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, metricsMux); err != nil {
			slog.Error("metrics endpoint failed", "error", err)
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)
	<-shutdownChan

	slog.Info("shutting down")
	sub.Close()
	eng.Close()

	stats := eng.Stats()
	slog.Info("final stats",
		"processed", stats.Processed,
		"deduplicated", stats.Deduplicated,
		"merged", stats.Merged,
		"cursor", stats.Cursor,
		"nodes", stats.Nodes,
		"edges", stats.Edges,
	)
}
