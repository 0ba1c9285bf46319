// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"errors"
	"net/http"

	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"git.arvados.org/dataflow.git/sdk/go/health"
	"git.arvados.org/dataflow.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the worker API used by the coordinator (see
// instance.Remote), plus metrics and health checks. All endpoints
// require token.
func (tm *TaskManager) Handler(token string, reg *prometheus.Registry) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/v1/tasks", tm.apiSubmit)
	mux.HandlerFunc("GET", "/v1/tasks", tm.apiTasks)
	mux.POST("/v1/jobs/:job/tasks/:vertex/cancel", tm.apiCancel)
	mux.POST("/v1/jobs/:job/tasks/:vertex/kill", tm.apiKill)
	mux.POST("/v1/jobs/:job/checkpoints/remove", tm.apiRemoveCheckpoints)
	mux.HandlerFunc("POST", "/v1/shutdown", tm.apiShutdown)
	if reg != nil {
		mux.Handler("GET", "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog: tm.logger,
		}))
	}
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  token,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": tm.CheckHealth},
	})
	return httpserver.RequireToken(token, mux)
}

func (tm *TaskManager) apiSubmit(w http.ResponseWriter, r *http.Request) {
	var tasks []dataflow.TaskDeploymentDescriptor
	if err := httpserver.ReadJSON(r, &tasks); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	results, err := tm.SubmitTasks(r.Context(), tasks)
	if errors.Is(err, ErrStopped) {
		httpserver.ErrorFrom(w, httpserver.ErrorWithStatus(err, http.StatusServiceUnavailable))
		return
	} else if err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	httpserver.WriteJSON(w, results)
}

func (tm *TaskManager) apiTasks(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []TaskInfo `json:"items"`
	}
	resp.Items = tm.Tasks()
	httpserver.WriteJSON(w, resp)
}

func (tm *TaskManager) apiCancel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := tm.CancelTask(r.Context(), dataflow.JobID(params.ByName("job")), dataflow.VertexID(params.ByName("vertex")))
	if err != nil {
		taskError(w, err)
	}
}

func (tm *TaskManager) apiKill(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := tm.KillTask(r.Context(), dataflow.JobID(params.ByName("job")), dataflow.VertexID(params.ByName("vertex")))
	if err != nil {
		taskError(w, err)
	}
}

func taskError(w http.ResponseWriter, err error) {
	if errors.Is(err, instance.ErrTaskNotFound) {
		err = httpserver.ErrorWithStatus(err, http.StatusNotFound)
	}
	httpserver.ErrorFrom(w, err)
}

func (tm *TaskManager) apiRemoveCheckpoints(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req instance.RemoteCheckpointRemoval
	if err := httpserver.ReadJSON(r, &req); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	if err := tm.RemoveCheckpoints(r.Context(), dataflow.JobID(params.ByName("job")), req.Vertices); err != nil {
		httpserver.ErrorFrom(w, err)
	}
}

func (tm *TaskManager) apiShutdown(w http.ResponseWriter, r *http.Request) {
	tm.KillTaskManager(r.Context())
}
