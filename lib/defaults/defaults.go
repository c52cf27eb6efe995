/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package defaults

import "time"

const (
	// ComponentDriver is the logging component for the driver control loop
	ComponentDriver = "driver"

	// ComponentBookKeeper is the logging component for the job/range registry
	ComponentBookKeeper = "bookkeeper"

	// ComponentWorker is the logging component for worker actors
	ComponentWorker = "worker"

	// ComponentHarvester is the logging component for harvester communicators
	ComponentHarvester = "harvester"

	// ComponentShim is the logging component for the local pilot HTTP endpoint
	ComponentShim = "shim"

	// ComponentConfig is the logging component for configuration loading
	ComponentConfig = "config"
)

const (
	// PilotHTTPAddr is the address the local HTTP shim binds to.
	// The port is fixed by the pilot protocol, one worker runs per node
	PilotHTTPAddr = "0.0.0.0:8080"

	// PilotHTTPEndpoint is the URL the payload is pointed at
	PilotHTTPEndpoint = "http://127.0.0.1"

	// PilotHTTPPort is the port the payload connects to
	PilotHTTPPort = 8080
)

const (
	// RequestQueueSize bounds the driver to communicator request queue
	RequestQueueSize = 100

	// JobQueueSize bounds the communicator to driver job batch queue
	JobQueueSize = 100

	// RangeQueueSize bounds the communicator to driver range batch queue
	RangeQueueSize = 100

	// InitialRangesPerJob is the number of event ranges requested per job
	// right after the initial job batch has been admitted
	InitialRangesPerJob = 100

	// WorkerUpdateQueueSize bounds the per-worker queue of updates pending
	// delivery to the driver
	WorkerUpdateQueueSize = 100
)

const (
	// WorkerIdleInterval is how long a worker sleeps when it has nothing
	// to report to the driver
	WorkerIdleInterval = time.Second

	// HarvesterPollInterval is the file messenger poll period used as a
	// fallback when no filesystem notification arrives
	HarvesterPollInterval = time.Second

	// HarvesterPollMaxInterval caps the file messenger poll backoff
	HarvesterPollMaxInterval = 10 * time.Second

	// PayloadStopTimeout is how long to wait for the payload to exit
	// after SIGTERM before killing the process group
	PayloadStopTimeout = 10 * time.Second

	// ShimShutdownTimeout bounds the graceful HTTP shim shutdown
	ShimShutdownTimeout = 5 * time.Second

	// InitialJobTimeout bounds the wait for the first job batch from
	// the communicator
	InitialJobTimeout = 2 * time.Minute
)

const (
	// JobRequestFile is the file the dispatcher writes to request jobs
	// from harvester
	JobRequestFile = "worker_requestjob.json"

	// JobSpecFile is the file harvester writes job specifications to
	JobSpecFile = "HPCJobs.json"

	// EventRequestFile is the file the dispatcher writes to request
	// event ranges from harvester
	EventRequestFile = "worker_requestevents.json"

	// EventRangesFile is the file harvester writes event ranges to
	EventRangesFile = "JobsEventRanges.json"
)

const (
	// SharedDirMask is the mask for directories created by the dispatcher
	SharedDirMask = 0755

	// SharedReadWriteMask is the mask for files created by the dispatcher
	SharedReadWriteMask = 0644
)
