// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is the config file path used when neither
// -config nor $DATAFLOW_CONFIG is given.
const DefaultConfigFile = "/etc/dataflow/config.yml"

var errEmptyConfig = errors.New("config file is empty")

type Loader struct {
	Logger logrus.FieldLogger
	// Config file path, or "-" for stdin.
	Path string
	// Accept an empty config file (all defaults).
	AllowEmpty bool

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to $DATAFLOW_CONFIG,
// or DefaultConfigFile if that is empty. Load reads from stdin if
// Path is "-".
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can
// be used to change the loader's Path.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/dataflow/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	def := os.Getenv("DATAFLOW_CONFIG")
	if def == "" {
		def = DefaultConfigFile
	}
	flagset.StringVar(&ldr.Path, "config", def, "Configuration `file`, or \"-\" for stdin")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.stdin)
	}
	return os.ReadFile(path)
}

// Load reads the config file at ldr.Path on top of DefaultYAML,
// warns about unrecognized keys, and checks the result.
func (ldr *Loader) Load() (*dataflow.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*dataflow.Config, error) {
	if len(bytes.TrimSpace(buf)) == 0 && !ldr.AllowEmpty {
		return nil, errEmptyConfig
	}
	var cfg dataflow.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	// Load the defaults and the supplied config into generic maps
	// so we can warn about keys that don't mean anything.
	var expected, supplied map[string]interface{}
	err = yaml.Unmarshal(DefaultYAML, &expected)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(buf, &supplied)
	if err != nil {
		return nil, err
	}
	ldr.logExtraKeys(expected, supplied, "")

	err = checkConfig(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil || len(expected) == 0 {
		// An empty map in the defaults (like
		// Instances.Static) accepts arbitrary keys.
		return
	}
	keys := make([]string, 0, len(supplied))
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vexp, ok := expected[k]
		if !ok {
			// Fall back to the case-insensitive matching
			// used when decoding into structs.
			for ek, ev := range expected {
				if strings.EqualFold(ek, k) {
					vexp, ok = ev, true
					break
				}
			}
		}
		if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := supplied[k].(map[string]interface{}); ok {
			if vexp, ok := vexp.(map[string]interface{}); ok {
				ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
			}
		}
	}
}

func checkConfig(cfg *dataflow.Config) error {
	switch cfg.Scheduling.Policy {
	case dataflow.SchedulingPolicyPipelined, dataflow.SchedulingPolicyStaged:
	default:
		return fmt.Errorf("Scheduling.Policy: unknown policy %q", cfg.Scheduling.Policy)
	}
	if cfg.Scheduling.MaxTaskRetries < 0 {
		return fmt.Errorf("Scheduling.MaxTaskRetries: must not be negative")
	}
	if cfg.TaskManager.Slots < 1 {
		return fmt.Errorf("TaskManager.Slots: must be at least 1")
	}
	if cfg.Instances.Local < 0 {
		return fmt.Errorf("Instances.Local: must not be negative")
	}
	if cfg.Instances.Local > 0 && cfg.Instances.LocalSlots < 1 {
		return fmt.Errorf("Instances.LocalSlots: must be at least 1")
	}
	for name, si := range cfg.Instances.Static {
		if si.URL == "" {
			return fmt.Errorf("Instances.Static.%s.URL: must not be empty", name)
		}
		if si.Slots < 1 {
			return fmt.Errorf("Instances.Static.%s.Slots: must be at least 1", name)
		}
		if si.InstanceType == "" {
			si.InstanceType = cfg.Instances.LocalType
			cfg.Instances.Static[name] = si
		}
	}
	return nil
}
