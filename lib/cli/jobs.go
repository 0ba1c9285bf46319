// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"

	"git.arvados.org/dataflow.git/lib/cmd"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/ghodss/yaml"
)

var (
	// Submit reads a job graph (YAML or JSON) from a file, or
	// stdin if the file is "-", and submits it.
	Submit = apiCmd{
		positional: []string{"graph.yml"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			var buf []byte
			var err error
			if args[0] == "-" {
				buf, err = io.ReadAll(stdin)
			} else {
				buf, err = os.ReadFile(args[0])
			}
			if err != nil {
				return nil, err
			}
			var jg dataflow.JobGraph
			err = yaml.Unmarshal(buf, &jg)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", args[0], err)
			}
			var resp dataflow.JobSubmissionResult
			err = client.RequestAndDecode(ctx, &resp, "POST", "/v1/jobs", jg)
			return resp, err
		},
	}

	// Get prints a job's execution graph.
	Get = apiCmd{
		positional: []string{"job-id"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			var resp dataflow.GraphSnapshot
			err := client.RequestAndDecode(ctx, &resp, "GET", "/v1/jobs/"+url.PathEscape(args[0]), nil)
			return resp, err
		},
	}

	// List prints running and recently ended jobs.
	List = apiCmd{
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			var resp struct {
				Items []dataflow.RecentJob `json:"items"`
			}
			err := client.RequestAndDecode(ctx, &resp, "GET", "/v1/jobs", nil)
			return resp, err
		},
	}

	// Events prints a job's progress events.
	Events = eventsCmd()

	// Cancel cancels a job.
	Cancel = apiCmd{
		positional: []string{"job-id"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			return nil, client.RequestAndDecode(ctx, nil, "POST", "/v1/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		},
	}

	// KillTask kills one execution vertex of a running job.
	KillTask = apiCmd{
		positional: []string{"job-id", "vertex-id"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			return nil, client.RequestAndDecode(ctx, nil, "POST", "/v1/jobs/"+url.PathEscape(args[0])+"/tasks/"+url.PathEscape(args[1])+"/kill", nil)
		},
	}

	// KillTarget adds a vertex, named like "map (2/4)", to a
	// job's kill worklist.
	KillTarget = apiCmd{
		positional: []string{"job-id", "vertex-name"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			return nil, client.RequestAndDecode(ctx, nil, "POST", "/v1/jobs/"+url.PathEscape(args[0])+"/killtargets", map[string]string{"name": args[1]})
		},
	}

	// Instances prints the task managers known to the
	// coordinator.
	Instances = apiCmd{
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			var resp map[string]interface{}
			err := client.RequestAndDecode(ctx, &resp, "GET", "/v1/instances", nil)
			return resp, err
		},
	}

	// KillInstance shuts down a task manager.
	KillInstance = apiCmd{
		positional: []string{"instance-name"},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			return nil, client.RequestAndDecode(ctx, nil, "POST", "/v1/instances/"+url.PathEscape(args[0])+"/kill", nil)
		},
	}

	Job = cmd.Multi(map[string]cmd.Handler{
		"submit":      Submit,
		"get":         Get,
		"list":        List,
		"events":      Events,
		"cancel":      Cancel,
		"kill-task":   KillTask,
		"kill-target": KillTarget,
	})

	Instance = cmd.Multi(map[string]cmd.Handler{
		"list": Instances,
		"kill": KillInstance,
	})
)

func eventsCmd() apiCmd {
	var after int64
	return apiCmd{
		positional: []string{"job-id"},
		setup: func(_ *FlagValues, flags flagAdder) {
			flags.Int64Var(&after, "after", 0, "Print only events with sequence numbers greater than `seq`")
		},
		call: func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error) {
			var resp struct {
				Items []dataflow.Event `json:"items"`
			}
			path := fmt.Sprintf("/v1/jobs/%s/events?after=%d", url.PathEscape(args[0]), after)
			err := client.RequestAndDecode(ctx, &resp, "GET", path, nil)
			return resp, err
		},
	}
}
