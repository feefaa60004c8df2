// Command hub runs the voice conference relay.
//
// Usage: hub <listen_ip> <port>
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"voxhub/internal/hub"
)

func main() {
	flags := pflag.NewFlagSet("hub", pflag.ExitOnError)
	metricsInterval := flags.Duration("metrics-interval", 5*time.Second, "how often to log relay stats")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s <listen_ip> <port>\n\nFlags:\n%s", os.Args[0], flags.FlagUsages())
	}
	flags.Parse(os.Args[1:])

	args := flags.Args()
	if len(args) != 2 {
		flags.Usage()
		os.Exit(1)
	}
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port: %s\n", args[1])
		os.Exit(1)
	}
	addr := net.JoinHostPort(args[0], args[1])

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := hub.New(logger.WithPrefix("hub"))
	if err := h.Listen(addr); err != nil {
		logger.Error("startup", "err", err)
		os.Exit(1)
	}

	go hub.RunMetrics(ctx, h, logger.WithPrefix("metrics"), *metricsInterval)

	if err := h.Serve(ctx); err != nil {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
	logger.Info("shut down cleanly")
}
