// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"errors"
	"net/http"
	"os"

	"git.arvados.org/dataflow.git/lib/service"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Command starts a task manager service that registers itself with
// the coordinator using heartbeats.
var Command = service.Command(service.ServiceNameTaskManager, newHandler)

func newHandler(ctx context.Context, cfg *dataflow.Config, reg *prometheus.Registry) service.Handler {
	if cfg.ManagementToken == "" {
		return service.ErrorHandler(ctx, errors.New("ManagementToken must be set"))
	}
	logger := ctxlog.FromContext(ctx)
	tmcfg := cfg.TaskManager
	if tmcfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return service.ErrorHandler(ctx, err)
		}
		tmcfg.Name = hostname
	}
	if tmcfg.InternalURL == "" {
		addr, ok := service.ListenAddrFromContext(ctx)
		if !ok {
			addr = tmcfg.Listen
		}
		tmcfg.InternalURL = "http://" + addr
	}
	coordURL := cfg.Coordinator.InternalURL
	if coordURL == "" {
		coordURL = "http://" + cfg.Coordinator.Listen
	}
	rc := NewRemoteCoordinator(coordURL, cfg.ManagementToken, tmcfg.LookupTimeout.Duration(), logger)
	tm, err := New(logger, reg, tmcfg, rc)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	go func() {
		<-ctx.Done()
		tm.Stop()
	}()
	return &handler{
		Handler: tm.Handler(cfg.ManagementToken, reg),
		tm:      tm,
	}
}

type handler struct {
	http.Handler
	tm *TaskManager
}

func (h *handler) CheckHealth() error {
	return h.tm.CheckHealth()
}

// Done is closed when the task manager stops, e.g., after the
// coordinator kills it.
func (h *handler) Done() <-chan struct{} {
	return h.tm.Done()
}
