package main

import (
	"flag"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/driftchat/drift/internal/config"
	"github.com/driftchat/drift/internal/nameserver"
)

func runNameServer(args []string) {
	fs := flag.NewFlagSet("nameserver", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	hostFlag := fs.String("host", "", "listen host (default: all interfaces)")
	portFlag := fs.Int("port", 0, "listen port (default: 8000)")
	metricsFlag := fs.String("metrics_addr", "", "serve Prometheus metrics on this address")
	fs.Parse(args)

	cfg, err := config.LoadNameServer(*configFlag)
	if err != nil {
		fatal("Config: %v", err)
	}
	if *hostFlag != "" {
		cfg.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}
	if err := config.ValidateNameServer(cfg); err != nil {
		fatal("Config: %v", err)
	}

	ns := nameserver.New(cfg.Host, cfg.Port)
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, promhttp.HandlerFor(
			ns.Metrics().Registry, promhttp.HandlerOpts{}))
	}

	if err := ns.Run(); err != nil {
		fatal("Name server: %v", err)
	}
}

// serveMetrics exposes a metrics handler on its own listener; failures are
// logged, not fatal, since metrics are an operator convenience.
func serveMetrics(addr string, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Warn("metrics endpoint failed", "addr", addr, "error", err)
		}
	}()
}
