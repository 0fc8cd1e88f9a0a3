package chatclient

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/driftchat/drift/internal/netutil"
)

// SpawnServerProcess launches a fresh chat server as a child process of this
// binary and returns the address it will listen on. The child registers with
// --migrating so the name server keeping its pointer on the old server is
// not treated as a failure; the old server performs the swap after handoff.
func SpawnServerProcess(dnsHost string, dnsPort int, uri string) (string, int, error) {
	ip, err := netutil.PublicIP()
	if err != nil {
		return "", 0, err
	}
	port, err := netutil.FreePort(ip)
	if err != nil {
		return "", 0, err
	}

	exe, err := os.Executable()
	if err != nil {
		return "", 0, fmt.Errorf("locate binary: %w", err)
	}

	cmd := exec.Command(exe, "server",
		"--dns_ip", dnsHost,
		"--dns_port", strconv.Itoa(dnsPort),
		"--server_uri", uri,
		"--server_ip", ip,
		"--server_port", strconv.Itoa(port),
		"--migrating",
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return "", 0, fmt.Errorf("start server process: %w", err)
	}
	// The server outlives this client; reap it in the background so it
	// never turns into a zombie while we are still running.
	go func() { _ = cmd.Wait() }()

	return ip, port, nil
}
