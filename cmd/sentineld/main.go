package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/loppo-llc/sentinel/internal/hookingress"
	"github.com/loppo-llc/sentinel/internal/muxadapter"
	"github.com/loppo-llc/sentinel/internal/server"
	"github.com/loppo-llc/sentinel/internal/supervisor"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	dev := flag.Bool("dev", false, "enable dev mode (proxy to Vite)")
	local := flag.Bool("local", false, "listen on localhost only (no Tailscale)")
	hookStdio := flag.Bool("hook-stdio", false, "run only the MCP hook-ingress server over stdio, for a tool's --mcp-config")
	slackToken := flag.String("slack-token", os.Getenv("SENTINEL_SLACK_TOKEN"), "Slack bot token for lifecycle notifications")
	slackChannel := flag.String("slack-channel", os.Getenv("SENTINEL_SLACK_CHANNEL"), "Slack channel for lifecycle notifications")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("sentinel", version)
		return
	}

	logLevel := slog.LevelInfo
	if *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	adapter := muxadapter.New()

	sup, err := supervisor.New(supervisor.Config{
		Logger:         logger,
		Adapter:        adapter,
		MaxSubscribers: 100,
		StatsSchedule:  "@every 5s",
		SlackToken:     *slackToken,
		SlackChannel:   *slackChannel,
	})
	if err != nil {
		logger.Error("failed to initialize supervisor", "err", err)
		os.Exit(1)
	}

	// hook-ingress is a separate process mode: a coding tool launches
	// `sentinel --hook-stdio` as its own MCP server and talks notify_event
	// to it over stdin/stdout, so it must not share stdio with the main
	// HTTP process.
	if *hookStdio {
		runHookIngress(logger, sup)
		return
	}

	if _, err := sup.Reconcile(); err != nil {
		logger.Error("failed to reconcile sessions on startup", "err", err)
		os.Exit(1)
	}

	srv := server.New(server.Config{
		Addr:       fmt.Sprintf(":%d", *port),
		DevMode:    *dev,
		Logger:     logger,
		Version:    version,
		Supervisor: sup,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *local || *dev {
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		actualAddr := ln.Addr().String()
		fmt.Fprintf(os.Stderr, "\n  sentinel v%s running at:\n\n    http://%s\n\n", version, actualAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		tsServer := &tsnet.Server{
			Hostname: "sentinel",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		fmt.Fprintf(os.Stderr, "\n  sentinel v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
				fmt.Fprintf(os.Stderr, "    https://sentinel:<tailnet>.ts.net:%d  (getting status...)\n", *port)
			}
		}
		fmt.Fprintln(os.Stderr)

		go func() {
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}
	sup.Shutdown()
}

// runHookIngress serves the MCP notify_event tool over stdio until the
// client closes its end, dispatching resolved hook events straight into
// the supervisor's respawn controllers.
func runHookIngress(logger *slog.Logger, sup *supervisor.Supervisor) {
	hookSrv := hookingress.NewServer(logger, sup.HookDispatcher(), nil)
	if err := hookSrv.ServeStdio(context.Background()); err != nil {
		logger.Error("hook ingress server exited", "err", err)
		os.Exit(1)
	}
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
