package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/taskagent/agent"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "taskagent",
		Usage: "supervises named background tasks over an mTLS HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to an optional YAML config file.",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before invoking the failure handler.",
			},
			&cli.StringFlag{
				Name:  "shell",
				Usage: "The shell used to interpret task command lines.",
			},
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				Required: true,
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	cfg := agent.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		var err error
		cfg, err = agent.LoadConfig(path)
		if err != nil {
			return err
		}
	}
	// flags win over config file values
	if ctx.IsSet("listen-addr") {
		cfg.ListenAddr = ctx.String("listen-addr")
	}
	if ctx.IsSet("heartbeat-timeout") {
		cfg.HeartbeatTimeout = ctx.String("heartbeat-timeout")
	}
	if ctx.IsSet("shell") {
		cfg.Shell = ctx.String("shell")
	}

	heartbeatTimeout, err := cfg.ParsedHeartbeatTimeout()
	if err != nil {
		return err
	}

	caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
	if err != nil {
		return fmt.Errorf("decoding CA cert PEM: %w", err)
	}
	certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
	if err != nil {
		return fmt.Errorf("decoding cert PEM: %w", err)
	}
	keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
	if err != nil {
		return fmt.Errorf("decoding key PEM: %w", err)
	}

	var heartbeatFailureHandler func()
	switch onFailure := ctx.String("on-heartbeat-failure"); onFailure {
	case "exit":
		heartbeatFailureHandler = func() {
			fmt.Println("heartbeat failed, exiting")
			os.Exit(1)
		}
	case "none":
		// nothing
	default:
		return fmt.Errorf("unsupported on-heartbeat-failure %q", onFailure)
	}

	a, err := agent.NewTaskAgent(
		caCertPEMBytes,
		certPEMBytes,
		keyPEMBytes,
		agent.WithLogLevel(zapcore.DebugLevel),
		agent.WithListenAddr(cfg.ListenAddr),
		agent.WithHeartbeatTimeout(heartbeatTimeout),
		agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
		agent.WithShell(cfg.Shell),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	// On interrupt or terminate, every tracked child gets a kill signal
	// before the agent itself exits.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Printf("got signal %s, shutting down\n", sig)
		if err := a.Stop(); err != nil {
			fmt.Printf("error stopping agent: %s\n", err)
		}
	}()

	err = a.Run()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
