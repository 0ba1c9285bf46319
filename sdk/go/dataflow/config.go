// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dataflow

// Config is the configuration of a coordinator or task manager
// process. See lib/config for defaults.
type Config struct {
	ManagementToken string
	Coordinator     CoordinatorConfig
	TaskManager     TaskManagerConfig
	Scheduling      SchedulingConfig
	Instances       InstancesConfig
	SystemLogs      SystemLogsConfig
}

type CoordinatorConfig struct {
	// host:port for the RPC and management API
	Listen string
	// URL task managers use to reach the coordinator
	InternalURL string
	// size of the background pool used for deployment, kill and
	// checkpoint removal calls
	BackgroundWorkers int
	// number of finished jobs kept for RecentJobs and GraphSnapshot
	RecentJobs int
}

type TaskManagerConfig struct {
	Name string
	// host:port for the control API
	Listen string
	// URL the coordinator uses to reach the control API
	InternalURL string
	// host:port for the data listener, and the address peers
	// should dial to reach it
	DataListen     string
	DataAddress    string
	InstanceType   string
	Slots          int
	SpillDirectory string
	// per-call timeout for connection lookups
	LookupTimeout Duration
	// delay before retrying a lookup that returned "not ready"
	LookupRetryInterval Duration
	HeartbeatInterval   Duration
}

// Scheduling policies.
const (
	SchedulingPolicyPipelined = "pipelined"
	SchedulingPolicyStaged    = "staged"
)

// JobConfigSchedulingPolicy is the JobGraph.Config key that overrides
// SchedulingConfig.Policy for one job.
const JobConfigSchedulingPolicy = "scheduling.policy"

type SchedulingConfig struct {
	// "pipelined" requests resources for all stages up front and
	// deploys consumers as soon as a producer runs. "staged" waits
	// for each stage to finish before requesting resources for the
	// next one.
	Policy                 string
	ResourceRequestTimeout Duration
	DeploymentTimeout      Duration
	// number of times a failed vertex is redeployed when its inputs
	// can be replayed from complete checkpoints
	MaxTaskRetries int
}

type InstancesConfig struct {
	// number of task managers to run inside the coordinator process
	Local               int
	LocalSlots          int
	LocalType           string
	LocalSpillDirectory string
	// task managers that are expected to send heartbeats are
	// dropped after this long without one
	HeartbeatTimeout Duration
	Static           map[string]StaticInstance
}

// StaticInstance is a task manager listed in the configuration file
// instead of registering itself with heartbeats.
type StaticInstance struct {
	InstanceType string
	Slots        int
	URL          string
	DataAddress  string
}

type SystemLogsConfig struct {
	Format   string
	LogLevel string
}
