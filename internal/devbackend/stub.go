package devbackend

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Stub modes select how RunStub behaves, mimicking backend failure shapes.
const (
	ModeServe    = "serve"    // listen, answer the API, exit 0 on SIGTERM
	ModeSilent   = "silent"   // never listen; readiness never succeeds
	ModeStubborn = "stubborn" // serve but ignore SIGTERM; needs a kill
	ModeCrash    = "crash"    // serve briefly, then exit with CrashExitCode
)

// CrashExitCode is the exit status used by ModeCrash.
const CrashExitCode = 3

// CrashAfter is how long ModeCrash serves before exiting.
var CrashAfter = 500 * time.Millisecond

// RunStub runs the stand-in backend as a foreground process using the
// same command-line arguments the real launcher receives
// (-Dserver.port=N, -Dapp.data.dir=..., -jar x.jar). It returns the exit code.
func RunStub(args []string, mode string, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	port := 23333
	for _, a := range args {
		if v, ok := strings.CutPrefix(a, "-Dserver.port="); ok {
			p, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid server port %q\n", v)
				return 2
			}
			port = p
		}
	}

	sig := make(chan os.Signal, 1)
	if mode == ModeStubborn {
		signal.Ignore(syscall.SIGTERM)
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	if mode == ModeSilent {
		logger.Info("backend stub idling without listener", "port", port)
		<-sig
		return 0
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen on %d: %v\n", port, err)
		return 1
	}
	srv := New(Options{Logger: logger})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("Started backend stub", "port", port, "mode", mode)

	var crash <-chan time.Time
	if mode == ModeCrash {
		crash = time.After(CrashAfter)
	}

	select {
	case <-sig:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		logger.Info("backend stub stopped")
		return 0
	case <-crash:
		fmt.Fprintln(os.Stderr, "backend stub crashing on purpose")
		return CrashExitCode
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
		return 0
	}
}
