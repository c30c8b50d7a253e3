package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-concierge/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %[1]s:

  %[1]s [serve]                 Run the webhook server, queue workers and sweeper
  %[1]s queues [-pending]       List per-identity queues of a running server
  %[1]s drain <identity>        Drain one identity's queue now
  %[1]s watch [-topic prefix]   Live view of queue and loop events
  %[1]s status [-env]           Show server health and engine status
  %[1]s doctor [-json]          Run preflight checks on the configuration
  %[1]s version                 Print the version

ENVIRONMENT VARIABLES:
  CONCIERGE_HOME          Data directory (default: ~/.concierge)
  CONCIERGE_AUTH_TOKEN    Bearer token for the admin API
  DATABASE_URL            Use PostgreSQL instead of SQLite
  GEMINI_API_KEY          Key for the google oracle provider
`, os.Args[0])
}

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(dispatch(ctx, flag.Args()))
}

// dispatch runs the subcommand named by args[0]; no arguments means serve.
func dispatch(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return runServe(ctx, nil)
	}
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "serve":
		return runServe(ctx, args[1:])
	case "queues":
		return runQueuesCommand(ctx, args[1:])
	case "drain":
		return runDrainCommand(ctx, args[1:])
	case "watch":
		return runWatchCommand(ctx, args[1:])
	case "status":
		return runStatusCommand(ctx, args[1:])
	case "doctor":
		return runDoctorCommand(ctx, args[1:])
	case "version":
		fmt.Println(Version)
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		return 2
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"concierge","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
