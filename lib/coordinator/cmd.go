// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"git.arvados.org/dataflow.git/lib/service"
	"git.arvados.org/dataflow.git/lib/taskmanager"
	"git.arvados.org/dataflow.git/sdk/go/ctxlog"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Command starts a coordinator service, with any local task managers
// listed in the config.
var Command = service.Command(service.ServiceNameCoordinator, newHandler)

func newHandler(ctx context.Context, cfg *dataflow.Config, reg *prometheus.Registry) service.Handler {
	if cfg.ManagementToken == "" {
		return service.ErrorHandler(ctx, errors.New("ManagementToken must be set"))
	}
	logger := ctxlog.FromContext(ctx)
	c, err := New(logger, reg, *cfg)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	h := &handler{
		Handler:     c.Handler(reg),
		coordinator: c,
	}
	for i := 0; i < cfg.Instances.Local; i++ {
		tmcfg := localTaskManagerConfig(cfg, i)
		tm, err := taskmanager.New(logger, nil, tmcfg, c)
		if err != nil {
			h.Close()
			return service.ErrorHandler(ctx, fmt.Errorf("starting local task manager %s: %w", tmcfg.Name, err))
		}
		c.Instances().Add(tm, tm.InstanceType(), tm.Slots())
		h.local = append(h.local, tm)
	}
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	return h
}

// localTaskManagerConfig returns the config for the i'th task
// manager running in the coordinator process.
func localTaskManagerConfig(cfg *dataflow.Config, i int) dataflow.TaskManagerConfig {
	name := fmt.Sprintf("local%d", i+1)
	spill := ""
	if cfg.Instances.LocalSpillDirectory != "" {
		spill = filepath.Join(cfg.Instances.LocalSpillDirectory, name)
	}
	return dataflow.TaskManagerConfig{
		Name:                name,
		DataListen:          "127.0.0.1:0",
		InstanceType:        cfg.Instances.LocalType,
		Slots:               cfg.Instances.LocalSlots,
		SpillDirectory:      spill,
		LookupTimeout:       cfg.TaskManager.LookupTimeout,
		LookupRetryInterval: cfg.TaskManager.LookupRetryInterval,
	}
}

type handler struct {
	http.Handler
	coordinator *Coordinator
	local       []*taskmanager.TaskManager
}

func (h *handler) CheckHealth() error {
	return h.coordinator.CheckHealth()
}

func (h *handler) Done() <-chan struct{} {
	return nil
}

func (h *handler) Close() {
	h.coordinator.Close()
	for _, tm := range h.local {
		tm.Stop()
	}
}
