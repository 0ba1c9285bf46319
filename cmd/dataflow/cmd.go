// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/dataflow.git/lib/cli"
	"git.arvados.org/dataflow.git/lib/cmd"
	"git.arvados.org/dataflow.git/lib/config"
	"git.arvados.org/dataflow.git/lib/coordinator"
	"git.arvados.org/dataflow.git/lib/taskmanager"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"coordinator": coordinator.Command,
		"taskmanager": taskmanager.Command,

		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,

		"job":      cmd.WithLateSubcommand(cli.Job, []string{"format", "f", "timeout", "t"}, []string{"short", "s"}),
		"instance": cmd.WithLateSubcommand(cli.Instance, []string{"format", "f", "timeout", "t"}, []string{"short", "s"}),
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
