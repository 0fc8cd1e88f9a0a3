package main

import (
	"path/filepath"
	"testing"
)

// captureExit overrides the package-level osExit variable so that calls to
// osExit inside fn are intercepted. It returns the exit code and whether
// osExit was actually called. The replacement panics with an exitSentinel to
// unwind the stack at the call site, just like a real os.Exit would.
func captureExit(fn func()) (code int, exited bool) {
	old := osExit
	defer func() { osExit = old }()

	osExit = func(c int) {
		panic(exitSentinel(c))
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				if s, ok := r.(exitSentinel); ok {
					code = int(s)
					exited = true
					return
				}
				panic(r)
			}
		}()
		fn()
	}()
	return code, exited
}

func TestFatalExitsWithCodeOne(t *testing.T) {
	code, exited := captureExit(func() {
		fatal("boom: %s", "details")
	})
	if !exited {
		t.Fatal("fatal did not exit")
	}
	if code != 1 {
		t.Errorf("exit code = %d", code)
	}
}

func TestClientRequiresUsername(t *testing.T) {
	code, exited := captureExit(func() {
		runClient([]string{"--dns_ip", "127.0.0.1"})
	})
	if !exited || code != 1 {
		t.Fatalf("exited=%v code=%d, want exit 1", exited, code)
	}
}

func TestClientRejectsBadConfigPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	code, exited := captureExit(func() {
		runClient([]string{"--config", missing})
	})
	if !exited || code != 1 {
		t.Fatalf("exited=%v code=%d, want exit 1", exited, code)
	}
}

func TestServerRejectsInvalidPort(t *testing.T) {
	code, exited := captureExit(func() {
		runServer([]string{"--dns_port", "99999"})
	})
	if !exited || code != 1 {
		t.Fatalf("exited=%v code=%d, want exit 1", exited, code)
	}
}
