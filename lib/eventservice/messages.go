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

package eventservice

import "fmt"

// MessageKind enumerates the message types exchanged between the driver
// and worker actors. The set is closed
type MessageKind int

const (
	// Idle indicates the worker has nothing to report
	Idle MessageKind = iota
	// RequestNewJob asks the driver for a job assignment
	RequestNewJob
	// RequestEventRanges asks the driver for a batch of event ranges,
	// the message carries a serialized EventRangeRequest
	RequestEventRanges
	// UpdateJob forwards a job update received from the payload
	UpdateJob
	// UpdateEventRanges forwards an event range update received from
	// the payload
	UpdateEventRanges
	// ProcessDone reports the payload exit code
	ProcessDone
	// ReplyOK carries the data the worker requested
	ReplyOK
	// ReplyNoMoreJobs indicates no job can be assigned to the worker
	ReplyNoMoreJobs
	// ReplyNoMoreEventRanges indicates the worker's job has no more
	// ranges to hand out
	ReplyNoMoreEventRanges
)

// String returns the text representation of the message kind
func (k MessageKind) String() string {
	switch k {
	case Idle:
		return "IDLE"
	case RequestNewJob:
		return "REQUEST_NEW_JOB"
	case RequestEventRanges:
		return "REQUEST_EVENT_RANGES"
	case UpdateJob:
		return "UPDATE_JOB"
	case UpdateEventRanges:
		return "UPDATE_EVENT_RANGES"
	case ProcessDone:
		return "PROCESS_DONE"
	case ReplyOK:
		return "REPLY_OK"
	case ReplyNoMoreJobs:
		return "REPLY_NO_MORE_JOBS"
	case ReplyNoMoreEventRanges:
		return "REPLY_NO_MORE_EVENT_RANGES"
	}
	return fmt.Sprintf("MessageKind(%v)", int(k))
}

// Message is a single worker to driver message
type Message struct {
	// WorkerID identifies the sending worker
	WorkerID string
	// Kind is the message kind
	Kind MessageKind
	// Data is the serialized message payload, nil for kinds that
	// carry no payload
	Data []byte
	// ExitCode is the payload exit code, only meaningful for ProcessDone
	ExitCode int
}

// Reply is a single driver to worker reply
type Reply struct {
	// Kind is one of ReplyOK, ReplyNoMoreJobs, ReplyNoMoreEventRanges
	Kind MessageKind
	// Job is the assigned job for replies to RequestNewJob
	Job *PandaJob
	// Ranges is the range batch for replies to RequestEventRanges
	Ranges []*EventRange
}
