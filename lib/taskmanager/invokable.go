// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"git.arvados.org/dataflow.git/lib/iogate"
	"git.arvados.org/dataflow.git/sdk/go/dataflow"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Invokable is the user code of a task. It reads records from the
// environment's input gates and writes records to its output gates.
// When it returns nil the task manager closes the output gates, which
// delivers end-of-stream to the consumers.
type Invokable func(ctx context.Context, env *Environment) error

// Environment is what a running task can see of its deployment.
type Environment struct {
	JobID    dataflow.JobID
	VertexID dataflow.VertexID
	TaskName string
	Index    int
	Total    int
	// Attempt is 0 for the first run of the vertex and counts
	// restarts after that.
	Attempt int
	Inputs  []*iogate.InputGate
	Outputs []*iogate.OutputGate
	Logger  logrus.FieldLogger

	jobConfig  map[string]string
	taskConfig map[string]string
}

// Config returns the task's value for key, falling back to the job's.
func (env *Environment) Config(key string) string {
	if v, ok := env.taskConfig[key]; ok {
		return v
	}
	return env.jobConfig[key]
}

// ConfigInt returns Config(key) as an int, or def if key is not set.
func (env *Environment) ConfigInt(key string, def int) (int, error) {
	s := env.Config(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func (env *Environment) NameWithIndex() string {
	return dataflow.NameWithIndex(env.TaskName, env.Index, env.Total)
}

// Emit writes rec to every output gate.
func (env *Environment) Emit(ctx context.Context, rec []byte) error {
	for _, g := range env.Outputs {
		if err := g.WriteRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// ReadAll calls fn with every record from every input gate, one gate
// after another, until each has reached the end of its stream.
func (env *Environment) ReadAll(ctx context.Context, fn func([]byte) error) error {
	for _, g := range env.Inputs {
		for {
			rec, err := g.ReadRecord(ctx)
			if errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadAny calls fn with records from whichever input gate has one
// ready, so a slow input does not hold up the others. It returns when
// every gate has reached the end of its stream.
func (env *Environment) ReadAny(ctx context.Context, fn func(gate int, rec []byte) error) error {
	wake := make(wakeListener, 1)
	for _, g := range env.Inputs {
		if err := g.RegisterRecordAvailabilityListener(wake); err != nil {
			return err
		}
	}
	done := make([]bool, len(env.Inputs))
	for open := len(env.Inputs); open > 0; {
		progress := false
		for i, g := range env.Inputs {
			if done[i] {
				continue
			}
			rec, err := g.PollRecord()
			if errors.Is(err, iogate.ErrNoData) {
				continue
			} else if errors.Is(err, io.EOF) {
				done[i] = true
				open--
				progress = true
				continue
			} else if err != nil {
				return err
			}
			progress = true
			if err := fn(i, rec); err != nil {
				return err
			}
		}
		if !progress {
			select {
			case <-wake:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

type wakeListener chan struct{}

func (w wakeListener) RecordAvailable(*iogate.InputGate) {
	select {
	case w <- struct{}{}:
	default:
	}
}

// SkipRecords drops the records with the given numbers, counted from
// 1 separately on each input gate.
func (env *Environment) SkipRecords(numbers ...int64) {
	for _, g := range env.Inputs {
		for _, n := range numbers {
			g.AddToSkipList(n)
		}
	}
}

// skipConfiguredRecords applies ConfigSkipRecords.
func (env *Environment) skipConfiguredRecords() error {
	list := env.Config(ConfigSkipRecords)
	if list == "" {
		return nil
	}
	var numbers []int64
	for _, f := range strings.Split(list, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid %s %q", ConfigSkipRecords, list)
		}
		numbers = append(numbers, n)
	}
	env.SkipRecords(numbers...)
	return nil
}

// Config keys understood by the builtin invokables.
const (
	// number of records each generator subtask emits
	ConfigRecords = "records"
	// fail after handling this many records
	ConfigFailAfter = "fail.after"
	// only fail in the subtask with this index
	ConfigFailSubtask = "fail.subtask"
	// only fail in attempts before this one
	ConfigFailAttempts = "fail.attempts"
	// the sink fails if its subtask does not receive exactly
	// this many records
	ConfigExpectRecords = "expect.records"
	// comma-separated record numbers that forward and sink drop
	// from each input gate
	ConfigSkipRecords = "skip.records"
)

func builtinInvokables() map[string]Invokable {
	return map[string]Invokable{
		"generator": generate,
		"forward":   forward,
		"sink":      sink,
	}
}

// failureInjector returns an error after a configured number of
// records, so tests and experiments can make a chosen subtask fail.
type failureInjector struct {
	after int
	count int
}

func newFailureInjector(env *Environment) (*failureInjector, error) {
	after, err := env.ConfigInt(ConfigFailAfter, -1)
	if err != nil || after < 0 {
		return nil, err
	}
	subtask, err := env.ConfigInt(ConfigFailSubtask, -1)
	if err != nil {
		return nil, err
	} else if subtask >= 0 && subtask != env.Index {
		return nil, nil
	}
	attempts, err := env.ConfigInt(ConfigFailAttempts, -1)
	if err != nil {
		return nil, err
	} else if attempts >= 0 && env.Attempt >= attempts {
		return nil, nil
	}
	return &failureInjector{after: after}, nil
}

func (fi *failureInjector) record() error {
	if fi == nil {
		return nil
	}
	if fi.count >= fi.after {
		return fmt.Errorf("injected failure after %d records", fi.count)
	}
	fi.count++
	return nil
}

// generate emits ConfigRecords records of the form "index-n".
func generate(ctx context.Context, env *Environment) error {
	n, err := env.ConfigInt(ConfigRecords, 100)
	if err != nil {
		return err
	}
	fi, err := newFailureInjector(env)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fi.record(); err != nil {
			return err
		}
		if err := env.Emit(ctx, []byte(fmt.Sprintf("%d-%d", env.Index, i))); err != nil {
			return err
		}
	}
	return nil
}

// forward copies every input record to every output gate, in the
// order records arrive across inputs.
func forward(ctx context.Context, env *Environment) error {
	if err := env.skipConfiguredRecords(); err != nil {
		return err
	}
	fi, err := newFailureInjector(env)
	if err != nil {
		return err
	}
	return env.ReadAny(ctx, func(_ int, rec []byte) error {
		if err := fi.record(); err != nil {
			return err
		}
		return env.Emit(ctx, rec)
	})
}

// sink consumes its inputs and logs what it received.
func sink(ctx context.Context, env *Environment) error {
	expect, err := env.ConfigInt(ConfigExpectRecords, -1)
	if err != nil {
		return err
	}
	if err := env.skipConfiguredRecords(); err != nil {
		return err
	}
	fi, err := newFailureInjector(env)
	if err != nil {
		return err
	}
	var records, size uint64
	err = env.ReadAll(ctx, func(rec []byte) error {
		if err := fi.record(); err != nil {
			return err
		}
		records++
		size += uint64(len(rec))
		return nil
	})
	if err != nil {
		return err
	}
	env.Logger.WithFields(logrus.Fields{
		"Records": humanize.Comma(int64(records)),
		"Size":    humanize.Bytes(size),
	}).Info("sink received all records")
	if expect >= 0 && records != uint64(expect) {
		return fmt.Errorf("received %d records, expected %d", records, expect)
	}
	return nil
}
