// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/dataflow.git/lib/cmd"
	"git.arvados.org/dataflow.git/lib/config"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"git.arvados.org/dataflow.git/sdk/go/httpserver"
	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *dataflow.Config, registry *prometheus.Registry) Handler

// ServiceName identifies a service, and selects the config entry
// that gives its listening address.
type ServiceName string

const (
	ServiceNameCoordinator ServiceName = "coordinator"
	ServiceNameTaskManager ServiceName = "taskmanager"
)

func (svc ServiceName) listenAddr(cfg *dataflow.Config) (string, error) {
	if want := os.Getenv("DATAFLOW_SERVICE_LISTEN"); want != "" {
		return want, nil
	}
	switch svc {
	case ServiceNameCoordinator:
		return cfg.Coordinator.Listen, nil
	case ServiceNameTaskManager:
		return cfg.TaskManager.Listen, nil
	default:
		return "", fmt.Errorf("unknown service name %q", svc)
	}
}

type command struct {
	newHandler NewHandlerFunc
	svcName    ServiceName
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, listens
// on the service's configured address, calls newHandler, and brings
// up an http server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-Id
// headers, logging requests/responses, etc).
func Command(svcName ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, nil, stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":     os.Getpid(),
		"Service": c.svcName,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	addr, err := c.svcName.listenAddr(cfg)
	if err != nil {
		return 1
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 1
	}
	defer ln.Close()
	ctx = context.WithValue(ctx, contextKeyListenAddr{}, ln.Addr().String())

	reg := prometheus.NewRegistry()

	// dataflow_version_running{version="1.2.3~4"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dataflow",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	handler := c.newHandler(ctx, cfg, reg)
	if err := handler.CheckHealth(); err != nil {
		// A coordinator is unhealthy until task managers
		// register, so this is not fatal.
		logger.WithError(err).Warn("service is not healthy yet")
	}

	srv := &http.Server{
		Handler: httpserver.AddRequestIDs(
			httpserver.LogRequests(logger, handler)),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()
	logger.WithFields(logrus.Fields{
		"Listen":  ln.Addr().String(),
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Shut down server if caller cancels context
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Shut down server if handler dies
		<-handler.Done()
		srv.Close()
	}()
	err = <-serveErr
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err != nil {
		return 1
	}
	return 0
}

type contextKeyListenAddr struct{}

// ListenAddrFromContext returns the host:port the service is
// listening on, which differs from the configured address when the
// configured port is 0.
func ListenAddrFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(contextKeyListenAddr{}).(string)
	return addr, ok
}
