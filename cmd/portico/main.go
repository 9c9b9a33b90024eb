// Command portico is a single-user remote editor front. One binary plays two
// roles: the supervising parent, which owns the child lifecycle, and the
// child, which hosts the TLS listener, the session registry, and the socket
// rendezvous proxy. The role is selected by the environment the parent sets
// at spawn time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/porticohq/portico/audit"
	"github.com/porticohq/portico/heartbeat"
	"github.com/porticohq/portico/registry"
	"github.com/porticohq/portico/server"
	"github.com/porticohq/portico/socketproxy"
	"github.com/porticohq/portico/supervisor"
)

// authSecretEnv carries the HS256 token secret; secrets stay off the argv.
const authSecretEnv = "PORTICO_AUTH_SECRET"

type options struct {
	listenAddr     string
	certFile       string
	keyFile        string
	editorEndpoint string
	registryPort   int
	touchFile      string
	idleWindow     time.Duration
	auditDB        string
	logCapacity    int
}

func parseOptions(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("portico", flag.ContinueOnError)
	fs.StringVar(&opts.listenAddr, "listen", ":8443", "public listen address")
	fs.StringVar(&opts.certFile, "cert", "", "TLS certificate file (empty serves plaintext)")
	fs.StringVar(&opts.keyFile, "key", "", "TLS key file")
	fs.StringVar(&opts.editorEndpoint, "editorEndpoint", "127.0.0.1:9400", "loopback address of the editor process")
	fs.IntVar(&opts.registryPort, "registryPort", 9401, "loopback port for the session registry surface")
	fs.StringVar(&opts.touchFile, "touchFile", "", "heartbeat touch file path")
	fs.DurationVar(&opts.idleWindow, "idleWindow", time.Hour, "inactivity window before idle shutdown")
	fs.StringVar(&opts.auditDB, "auditDb", "", "sqlite path for the lifecycle event log (empty disables)")
	fs.IntVar(&opts.logCapacity, "logCapacity", 1000, "retained log entries for the log stream")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	var err error
	if supervisor.IsChild() {
		err = runChild()
	} else {
		err = runParent()
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func runParent() error {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		return err
	}

	// The parent's own records go straight to stdout; child output is
	// captured by the supervisor and relayed to the child's log stream.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var auditLog *audit.Logger
	if opts.auditDB != "" {
		db, err := sqlx.Connect("sqlite3", opts.auditDB)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()
		auditLog, err = audit.NewLogger(db)
		if err != nil {
			return fmt.Errorf("init audit db: %w", err)
		}
	}

	parent, err := supervisor.NewParent(supervisor.ParentConfig{
		Logger: logger,
		Audit:  auditLog,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Hot reload: relaunch the child with the same arguments.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for range reload {
			logger.Info("reload signal received, relaunching child")
			parent.RequestRelaunch(os.Args[1:])
		}
	}()
	defer signal.Stop(reload)

	return parent.Run(ctx, os.Args[1:])
}

func runChild() error {
	channel := supervisor.ChannelFromFDs()
	parentPID, err := supervisor.ParentPIDFromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	child, err := supervisor.NewChild(supervisor.ChildConfig{
		Channel:      channel,
		ParentPID:    parentPID,
		OnParentGone: cancel,
	})
	if err != nil {
		return err
	}
	defer child.Dispose()

	args, err := child.Handshake(ctx)
	if err != nil {
		return err
	}
	opts, err := parseOptions(args)
	if err != nil {
		return err
	}

	logBuffer := supervisor.NewLogBuffer(opts.logCapacity)
	handler := server.NewBufferHandler(slog.NewJSONHandler(os.Stdout, nil), logBuffer)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Raw stderr lines (panic traces, third-party prints) bypass slog; the
	// parent captures and relays them so the log stream still sees them.
	if err := child.ObserveOutput(func(source, line string) {
		logBuffer.AddEntry("info", source, line, os.Getpid())
	}); err != nil {
		return err
	}

	authSecret := os.Getenv(authSecretEnv)
	if authSecret == "" {
		return fmt.Errorf("%s must be set", authSecretEnv)
	}

	hb := heartbeat.New(heartbeat.Config{
		IdleWindow:     opts.idleWindow,
		TouchPath:      opts.touchFile,
		OnIdleShutdown: cancel,
		Logger:         logger,
	})
	defer hb.Close()

	reg := registry.New(logger)
	regSvc, err := registry.NewService(reg, opts.registryPort)
	if err != nil {
		return err
	}
	defer regSvc.Close()
	logger.Info("session registry listening", "addr", regSvc.Addr())

	provider, err := socketproxy.NewProvider(socketproxy.Config{Logger: logger})
	if err != nil {
		return err
	}
	defer provider.Close()
	logger.Info("rendezvous proxy ready", "path", provider.Path())

	runtime := newRelayRuntime(opts.editorEndpoint, provider, logger)

	srv, err := server.New(server.Config{
		ListenAddr: opts.listenAddr,
		CertFile:   opts.certFile,
		KeyFile:    opts.keyFile,
		AuthSecret: []byte(authSecret),
		Runtime:    runtime,
		Heartbeat:  hb,
		Logs:       logBuffer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Run() }()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	return nil
}
