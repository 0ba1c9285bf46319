// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
)

// ParseFlags parses args into f. After the options, args must hold
// exactly one argument for each name in positional, e.g. {"job-id"}
// for "dataflow job get [options] job-id".
//
// If ok is false, the caller should exit with exitCode: 0 if help was
// requested, 2 after a usage error. Errors and help go to stderr.
func ParseFlags(f FlagSet, prog string, args []string, positional []string, stderr io.Writer) (ok bool, exitCode int) {
	f.Init(prog, flag.ContinueOnError)
	f.SetOutput(io.Discard)
	err := f.Parse(args)
	switch {
	case errors.Is(err, flag.ErrHelp):
		fmt.Fprintln(stderr, usageLine(prog, positional))
		f.SetOutput(stderr)
		f.PrintDefaults()
		return false, 0
	case err != nil:
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
	case f.NArg() > len(positional):
		fmt.Fprintf(stderr, "%s: unexpected argument %q\n", prog, f.Args()[len(positional)])
	case f.NArg() < len(positional):
		fmt.Fprintf(stderr, "%s: missing argument: %s\n", prog, positional[f.NArg()])
	default:
		return true, 0
	}
	fmt.Fprintln(stderr, usageLine(prog, positional))
	return false, 2
}

func usageLine(prog string, positional []string) string {
	line := "usage: " + prog + " [options]"
	if len(positional) > 0 {
		line += " " + strings.Join(positional, " ")
	}
	return line
}
