// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package version reports the release number of the running program.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version will get assigned the release number at compile time
	// using -ldflags "-X git.arvados.org/dataflow.git/sdk/go/version.Version=1.2.3"
	Version string
)

// GetVersion returns the release number if it was assigned by the compiler
// or "dev" otherwise.
func GetVersion() string {
	if Version != "" {
		return Version
	}
	return "dev"
}

// UserAgent returns a User-Agent header value for HTTP requests
// sent by the named component, like "dataflow-client/1.2.3 (go1.21.10)".
func UserAgent(component string) string {
	return fmt.Sprintf("%s/%s (%s)", component, GetVersion(), runtime.Version())
}
