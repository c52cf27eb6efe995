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

// Package harvester implements the boundary to the upstream workload
// management system.
//
// The driver talks to a communicator through three bounded queues: it
// writes job and event range requests to the request queue, the
// communicator delivers complete batches on the job and range queues.
// An empty range batch for a known job signals exhaustion of the job's
// range stream.
package harvester

import (
	"context"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
)

// Communicator translates dispatcher requests to the upstream transport
type Communicator interface {
	// Start starts serving requests from the request queue
	Start() error
	// Stop stops the communicator bound by the provided context
	Stop(context.Context) error
}

// Queues are the channels forming the communicator contract
type Queues struct {
	// Requests carries eventservice.PandaJobRequest and
	// eventservice.EventRangeRequest values from the driver
	Requests chan interface{}
	// Jobs carries complete job batches to the driver
	Jobs chan []*eventservice.PandaJob
	// Ranges carries complete range batches to the driver, keyed by
	// PandaID
	Ranges chan map[string][]*eventservice.EventRange
}

// NewQueues creates the bounded communicator queues
func NewQueues() *Queues {
	return &Queues{
		Requests: make(chan interface{}, defaults.RequestQueueSize),
		Jobs:     make(chan []*eventservice.PandaJob, defaults.JobQueueSize),
		Ranges:   make(chan map[string][]*eventservice.EventRange, defaults.RangeQueueSize),
	}
}

// NewCommunicatorFunc creates a communicator bound to the given queues
type NewCommunicatorFunc func(*Queues, *config.Config) (Communicator, error)

// communicators maps configuration tags to communicator constructors.
// The set is closed and known at build time
var communicators = map[string]NewCommunicatorFunc{
	CommunicatorMock:          newMockFromConfig,
	CommunicatorFileMessenger: newFileMessenger,
}

const (
	// CommunicatorMock is the tag of the in-process mock communicator
	CommunicatorMock = "mock"
	// CommunicatorFileMessenger is the tag of the file exchange
	// communicator
	CommunicatorFileMessenger = "harvester_file_messenger"
)

// NewCommunicator creates the communicator selected by the configuration
func NewCommunicator(queues *Queues, config *config.Config) (Communicator, error) {
	newCommunicator, ok := communicators[config.Harvester.Communicator]
	if !ok {
		return nil, trace.NotFound("unknown communicator %q", config.Harvester.Communicator)
	}
	communicator, err := newCommunicator(queues, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return communicator, nil
}
