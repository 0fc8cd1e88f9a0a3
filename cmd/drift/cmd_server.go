package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/driftchat/drift/internal/chatserver"
	"github.com/driftchat/drift/internal/config"
)

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	dnsIP := fs.String("dns_ip", "", "name server host")
	dnsPort := fs.Int("dns_port", 0, "name server port (default: 8000)")
	uri := fs.String("server_uri", "", "service URI to register under")
	fs.StringVar(uri, "u", "", "alias for --server_uri")
	minN := fs.Int("min_n", -1, "minimum connected users before history and broadcast")
	fs.IntVar(minN, "n", -1, "alias for --min_n")
	serverIP := fs.String("server_ip", "", "listen IP (default: auto-detected public IP)")
	serverPort := fs.Int("server_port", 0, "listen port (default: random free port)")
	migrating := fs.Bool("migrating", false, "this process is a migration target")
	interval := fs.Duration("migrate_interval", 0, "migration cycle period (default: 30s)")
	metricsFlag := fs.String("metrics_addr", "", "serve Prometheus metrics on this address")
	fs.Parse(args)

	cfg, err := config.LoadChatServer(*configFlag)
	if err != nil {
		fatal("Config: %v", err)
	}
	if *dnsIP != "" {
		cfg.DNSHost = *dnsIP
	}
	if *dnsPort != 0 {
		cfg.DNSPort = *dnsPort
	}
	if *uri != "" {
		cfg.URI = *uri
	}
	if *minN >= 0 {
		cfg.MinUserCount = *minN
	}
	if *serverIP != "" {
		cfg.ServerIP = *serverIP
	}
	if *serverPort != 0 {
		cfg.ServerPort = *serverPort
	}
	if *interval != 0 {
		cfg.MigrateInterval = interval.String()
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}
	if err := config.ValidateChatServer(cfg); err != nil {
		fatal("Config: %v", err)
	}

	srv, err := chatserver.New(chatserver.Config{
		DNSHost:         cfg.DNSHost,
		DNSPort:         cfg.DNSPort,
		URI:             cfg.URI,
		MinUserCount:    cfg.MinUserCount,
		ServerIP:        cfg.ServerIP,
		ServerPort:      cfg.ServerPort,
		Migrating:       *migrating,
		MigrateInterval: cfg.MigrateIntervalDuration(),
	})
	if err != nil {
		fatal("Server: %v", err)
	}

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, promhttp.HandlerFor(
			srv.Metrics().Registry, promhttp.HandlerOpts{}))
	}

	var g errgroup.Group
	g.Go(srv.Run)
	g.Go(func() error {
		serverConsole(srv, os.Stdin)
		return nil
	})
	if err := g.Wait(); err != nil {
		fatal("Server: %v", err)
	}
}

// serverConsole drives the operator commands on stdin:
//
//	APAGAR    simulate an outage (drop everything, refuse connects)
//	PRENDER   end the simulated outage
//	TERMINAR  announce shutdown and stop the server
//
// EOF on stdin (e.g. a server spawned by a migrating client) just stops the
// console; the server keeps running.
func serverConsole(srv *chatserver.Server, in *os.File) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToUpper(scanner.Text())) {
		case "":
		case "APAGAR":
			srv.SimulateDown(true)
			fmt.Println("server is now simulating an outage")
		case "PRENDER":
			srv.SimulateDown(false)
			fmt.Println("server is back up")
		case "TERMINAR":
			srv.Shutdown()
			return
		default:
			fmt.Println("commands: APAGAR, PRENDER, TERMINAR")
		}
	}
}
