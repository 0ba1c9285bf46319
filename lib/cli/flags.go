// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"flag"

	"git.arvados.org/dataflow.git/lib/cmd"
	"rsc.io/getopt"
)

// Output formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatID   = "id"
)

type FlagValues struct {
	Format string
	Short  bool
	// Seconds to wait for the coordinator, including retries.
	Timeout int
}

// NewFlagSet returns a flag set with the options common to all
// client subcommands, accepting both short and long forms ("-f yaml"
// and "--format=yaml").
func NewFlagSet() (*getopt.FlagSet, *FlagValues) {
	values := &FlagValues{Format: FormatJSON}
	flags := getopt.NewFlagSet("", flag.ContinueOnError)
	flags.StringVar(&values.Format, "format", values.Format, "Output format: json, yaml, or id")
	flags.Alias("f", "format")
	flags.BoolVar(&values.Short, "short", false, "Print only job IDs (equivalent to --format=id)")
	flags.Alias("s", "short")
	flags.IntVar(&values.Timeout, "timeout", 60, "Give up after this many `seconds`")
	flags.Alias("t", "timeout")
	return flags, values
}

var _ cmd.FlagSet = (*getopt.FlagSet)(nil)
