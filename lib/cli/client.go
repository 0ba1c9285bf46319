// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cli implements client subcommands for the coordinator's
// management API: submitting job graphs, following their progress,
// and canceling or killing their tasks.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"git.arvados.org/dataflow.git/lib/cmd"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/ghodss/yaml"
)

var errNoCoordinator = errors.New("DATAFLOW_COORDINATOR_URL is not set")

// newClientFromEnv returns a client for the coordinator at
// $DATAFLOW_COORDINATOR_URL, using $DATAFLOW_TOKEN.
func newClientFromEnv() (*dataflow.Client, error) {
	url := os.Getenv("DATAFLOW_COORDINATOR_URL")
	if url == "" {
		return nil, errNoCoordinator
	}
	return dataflow.NewClient(url, os.Getenv("DATAFLOW_TOKEN"), nil), nil
}

// apiCmd is a client subcommand that takes a fixed list of
// positional arguments and prints the response.
type apiCmd struct {
	positional []string
	call       func(ctx context.Context, client *dataflow.Client, args []string, stdin io.Reader) (interface{}, error)
	// extra flags, set up before parsing
	setup func(*FlagValues, flagAdder)
}

// flagAdder is the subset of a flag set used to add
// subcommand-specific flags.
type flagAdder interface {
	Int64Var(p *int64, name string, value int64, usage string)
}

func (ac apiCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags, values := NewFlagSet()
	if ac.setup != nil {
		ac.setup(values, flags)
	}
	if ok, code := cmd.ParseFlags(flags, prog, args, ac.positional, stderr); !ok {
		return code
	}
	if values.Short {
		values.Format = FormatID
	}
	switch values.Format {
	case FormatJSON, FormatYAML, FormatID:
	default:
		err = fmt.Errorf("unknown output format %q", values.Format)
		return 2
	}

	client, err := newClientFromEnv()
	if err != nil {
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(values.Timeout)*time.Second)
	defer cancel()
	resp, err := ac.call(ctx, client, flags.Args(), stdin)
	if err != nil {
		return 1
	}
	if resp == nil {
		return 0
	}
	err = output(stdout, values.Format, resp)
	if err != nil {
		err = fmt.Errorf("encoding: %w", err)
		return 1
	}
	return 0
}

// output writes resp to stdout in the given format. FormatID prints
// the "job_id" field of resp, or of each element of resp's "items".
func output(stdout io.Writer, format string, resp interface{}) error {
	switch format {
	case FormatYAML:
		buf, err := yaml.Marshal(resp)
		if err != nil {
			return err
		}
		_, err = stdout.Write(buf)
		return err
	case FormatID:
		buf, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		var obj struct {
			JobID dataflow.JobID `json:"job_id"`
			Items []struct {
				JobID dataflow.JobID `json:"job_id"`
			} `json:"items"`
		}
		err = json.Unmarshal(buf, &obj)
		if err != nil {
			return err
		}
		if obj.JobID != "" {
			fmt.Fprintln(stdout, obj.JobID)
		}
		for _, item := range obj.Items {
			fmt.Fprintln(stdout, item.JobID)
		}
		return nil
	default:
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
}
