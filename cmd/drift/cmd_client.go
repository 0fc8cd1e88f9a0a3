package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/driftchat/drift/internal/chatclient"
	"github.com/driftchat/drift/internal/config"
)

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configFlag := fs.String("config", "", "path to config file")
	dnsIP := fs.String("dns_ip", "", "name server host")
	dnsPort := fs.Int("dns_port", 0, "name server port (default: 8000)")
	uri := fs.String("server_uri", "", "service URI to resolve")
	fs.StringVar(uri, "u", "", "alias for --server_uri")
	username := fs.String("username", "", "chat username")
	fs.Parse(args)

	cfg, err := config.LoadClient(*configFlag)
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
	if *username != "" {
		cfg.Username = *username
	}
	if err := config.ValidateClient(cfg); err != nil {
		fatal("Config: %v", err)
	}
	if cfg.Username == "" {
		fatal("A username is required: drift client --username <name>")
	}

	cli, err := chatclient.New(chatclient.Config{
		DNSHost:   cfg.DNSHost,
		DNSPort:   cfg.DNSPort,
		URI:       cfg.URI,
		Username:  cfg.Username,
		PublicURI: cfg.PublicURI,
	})
	if err != nil {
		fatal("Client: %v", err)
	}
	if err := cli.Connect(); err != nil {
		fatal("Connect: %v", err)
	}

	fmt.Printf("joined %s as %s  (/peer <name>, /quit)\n", cfg.URI, cfg.Username)
	if err := cli.Run(os.Stdin); err != nil {
		fatal("Client: %v", err)
	}
	cli.Close()
}
