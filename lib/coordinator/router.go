// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package coordinator

import (
	"errors"
	"net/http"
	"strconv"

	"git.arvados.org/dataflow.git/lib/instance"
	"git.arvados.org/dataflow.git/lib/scheduler"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"git.arvados.org/dataflow.git/sdk/go/health"
	"git.arvados.org/dataflow.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// KillTargetRequest is the body of a kill worklist request.
type KillTargetRequest struct {
	Name string `json:"name"`
}

// Handler returns the coordinator's HTTP API: RPC endpoints for task
// managers, the management API, metrics and health checks. All
// endpoints require the management token.
func (c *Coordinator) Handler(reg *prometheus.Registry) http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("POST", "/v1/jobs", c.apiSubmit)
	mux.HandlerFunc("GET", "/v1/jobs", c.apiRecentJobs)
	mux.GET("/v1/jobs/:job", c.apiSnapshot)
	mux.POST("/v1/jobs/:job/cancel", c.apiCancel)
	mux.GET("/v1/jobs/:job/events", c.apiEvents)
	mux.POST("/v1/jobs/:job/tasks/:vertex/kill", c.apiKillTask)
	mux.POST("/v1/jobs/:job/killtargets", c.apiEnqueueKillTarget)
	mux.HandlerFunc("GET", "/v1/killtargets", c.apiKillTargets)
	mux.HandlerFunc("GET", "/v1/instances", c.apiInstances)
	mux.POST("/v1/instances/:name/kill", c.apiKillInstance)

	mux.HandlerFunc("POST", "/v1/status", c.apiStatus)
	mux.HandlerFunc("POST", "/v1/checkpoint", c.apiCheckpoint)
	mux.HandlerFunc("POST", "/v1/lookup", c.apiLookup)
	mux.HandlerFunc("POST", "/v1/heartbeat", c.apiHeartbeat)

	if reg != nil {
		metricsH := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			ErrorLog: c.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
	}
	mux.Handler("GET", "/_health/:check", &health.Handler{
		Token:  c.cfg.ManagementToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": c.CheckHealth},
	})
	return httpserver.RequireToken(c.cfg.ManagementToken, mux)
}

// CheckHealth returns an error if no task managers are known.
func (c *Coordinator) CheckHealth() error {
	if len(c.instances.Instances()) == 0 {
		return errors.New("no task managers")
	}
	return nil
}

// apiError writes err with a status code that reflects its kind.
func apiError(w http.ResponseWriter, err error) {
	var verr *dataflow.ValidationError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, scheduler.ErrUnknownPolicy),
		errors.Is(err, instance.ErrUnknownInstanceType):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ErrJobExists):
		code = http.StatusConflict
	case errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrVertexNotFound),
		errors.Is(err, ErrInstanceNotFound):
		code = http.StatusNotFound
	}
	httpserver.ErrorFrom(w, httpserver.ErrorWithStatus(err, code))
}

func (c *Coordinator) apiSubmit(w http.ResponseWriter, r *http.Request) {
	var jg dataflow.JobGraph
	if err := httpserver.ReadJSON(r, &jg); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	result, err := c.Submit(r.Context(), &jg)
	if err != nil {
		apiError(w, err)
		return
	}
	httpserver.WriteJSON(w, result)
}

func (c *Coordinator) apiRecentJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []dataflow.RecentJob `json:"items"`
	}
	resp.Items = c.RecentJobs()
	httpserver.WriteJSON(w, resp)
}

func (c *Coordinator) apiSnapshot(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	snap, err := c.GraphSnapshot(dataflow.JobID(params.ByName("job")))
	if err != nil {
		apiError(w, err)
		return
	}
	httpserver.WriteJSON(w, snap)
}

func (c *Coordinator) apiCancel(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := c.Cancel(r.Context(), dataflow.JobID(params.ByName("job"))); err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var after int64
	if s := r.FormValue("after"); s != "" {
		var err error
		after, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			httpserver.Error(w, "invalid after parameter: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	events, err := c.JobProgress(dataflow.JobID(params.ByName("job")), after)
	if err != nil {
		apiError(w, err)
		return
	}
	var resp struct {
		Items []dataflow.Event `json:"items"`
	}
	resp.Items = events
	httpserver.WriteJSON(w, resp)
}

func (c *Coordinator) apiKillTask(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := c.KillTask(r.Context(), dataflow.JobID(params.ByName("job")), dataflow.VertexID(params.ByName("vertex")))
	if err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiEnqueueKillTarget(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req KillTargetRequest
	if err := httpserver.ReadJSON(r, &req); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	if req.Name == "" {
		httpserver.Error(w, "name not provided", http.StatusBadRequest)
		return
	}
	if err := c.EnqueueKillTarget(dataflow.JobID(params.ByName("job")), req.Name); err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiKillTargets(w http.ResponseWriter, r *http.Request) {
	httpserver.WriteJSON(w, c.KillTargets())
}

func (c *Coordinator) apiInstances(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []instance.View `json:"items"`
	}
	resp.Items = c.instances.Instances()
	httpserver.WriteJSON(w, resp)
}

func (c *Coordinator) apiKillInstance(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := c.KillInstance(r.Context(), params.ByName("name")); err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiStatus(w http.ResponseWriter, r *http.Request) {
	var st dataflow.TaskExecutionState
	if err := httpserver.ReadJSON(r, &st); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	if err := c.UpdateTaskExecutionState(r.Context(), st); err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiCheckpoint(w http.ResponseWriter, r *http.Request) {
	var st dataflow.TaskCheckpointState
	if err := httpserver.ReadJSON(r, &st); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	if err := c.UpdateCheckpointState(r.Context(), st); err != nil {
		apiError(w, err)
	}
}

func (c *Coordinator) apiLookup(w http.ResponseWriter, r *http.Request) {
	var req dataflow.ConnectionInfoLookupRequest
	if err := httpserver.ReadJSON(r, &req); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	resp, err := c.LookupConnectionInfo(r.Context(), req.Caller, req.JobID, req.ChannelID)
	if err != nil {
		apiError(w, err)
		return
	}
	httpserver.WriteJSON(w, resp)
}

func (c *Coordinator) apiHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb dataflow.Heartbeat
	if err := httpserver.ReadJSON(r, &hb); err != nil {
		httpserver.ErrorFrom(w, err)
		return
	}
	if err := c.Heartbeat(r.Context(), hb); err != nil {
		httpserver.ErrorFrom(w, httpserver.ErrorWithStatus(err, http.StatusBadRequest))
	}
}
