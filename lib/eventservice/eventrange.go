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

import (
	"encoding/json"

	"github.com/gravitational/trace"
)

// RangeState is the lifecycle state of an event range
type RangeState string

const (
	// RangeReady means the range is available for dispatch
	RangeReady RangeState = "ready"
	// RangeAssigned means the range has been handed to a worker
	RangeAssigned RangeState = "assigned"
	// RangeRunning means the payload reported it started processing
	// the range
	RangeRunning RangeState = "running"
	// RangeDone means the payload finished the range successfully
	RangeDone RangeState = "done"
	// RangeFailed means the payload failed to process the range
	RangeFailed RangeState = "failed"
)

// EventRange is the smallest schedulable sub-unit of a job
type EventRange struct {
	// ID uniquely identifies the range within its job
	ID string `json:"eventRangeID"`
	// StartEvent is the first event number in the range
	StartEvent int `json:"startEvent"`
	// LastEvent is the last event number in the range
	LastEvent int `json:"lastEvent"`
	// PFN is the physical file the events are read from
	PFN string `json:"PFN"`
	// GUID identifies the input file upstream
	GUID string `json:"GUID"`
	// Scope is the upstream data scope of the input file
	Scope string `json:"scope"`
	// state is maintained by the owning EventRangeQueue
	state RangeState
}

// State returns the range's lifecycle state
func (r *EventRange) State() RangeState {
	return r.state
}

// ParseEventRanges parses a batch of event ranges in the upstream schema
func ParseEventRanges(data []byte) ([]*EventRange, error) {
	var ranges []*EventRange
	if err := json.Unmarshal(data, &ranges); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, r := range ranges {
		if r.ID == "" {
			return nil, trace.BadParameter("event range has no eventRangeID: %v", string(data))
		}
	}
	return ranges, nil
}

// validTransition determines whether a range is allowed to move between
// the two specified states
func validTransition(from, to RangeState) bool {
	switch from {
	case RangeReady:
		return to == RangeAssigned
	case RangeAssigned:
		return to == RangeRunning || to == RangeDone || to == RangeFailed || to == RangeReady
	case RangeRunning:
		return to == RangeDone || to == RangeFailed || to == RangeReady
	}
	// done and failed are terminal
	return false
}
