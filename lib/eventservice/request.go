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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gravitational/trace"
)

// PandaJobRequest asks harvester for a new batch of jobs
type PandaJobRequest struct {
	// Node is the requesting node, informational
	Node string `json:"node,omitempty"`
	// DiskSpace advertises available scratch space, informational
	DiskSpace int `json:"diskSpace,omitempty"`
}

// RangeRequest describes how many ranges are requested for one job
type RangeRequest struct {
	// NRanges is the number of ranges requested
	NRanges int `json:"nRanges"`
	// TaskID is the job's upstream task
	TaskID string `json:"taskID"`
	// JobsetID is the job's upstream jobset
	JobsetID string `json:"jobsetID"`
}

// UnmarshalJSON accepts nRanges and the task and jobset identifiers
// encoded either as numbers or strings, the pilot sends both depending
// on the code path.
// Implements json.Unmarshaler
func (r *RangeRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		NRanges  json.Number `json:"nRanges"`
		TaskID   interface{} `json:"taskID"`
		JobsetID interface{} `json:"jobsetID"`
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	nRanges, err := strconv.Atoi(raw.NRanges.String())
	if err != nil {
		return trace.BadParameter("invalid nRanges %q", raw.NRanges.String())
	}
	r.NRanges = nRanges
	// with UseNumber numeric identifiers decode as json.Number, which
	// formats as its literal text
	r.TaskID, r.JobsetID = "", ""
	if raw.TaskID != nil {
		r.TaskID = fmt.Sprint(raw.TaskID)
	}
	if raw.JobsetID != nil {
		r.JobsetID = fmt.Sprint(raw.JobsetID)
	}
	return nil
}

// EventRangeRequest maps PandaIDs to the range requests issued for them.
// A single request may target multiple jobs
type EventRangeRequest map[string]RangeRequest

// NewEventRangeRequest creates an empty event range request
func NewEventRangeRequest() EventRangeRequest {
	return make(EventRangeRequest)
}

// AddEventRequest adds a range request for the specified job
func (r EventRangeRequest) AddEventRequest(pandaID string, nRanges int, taskID, jobsetID string) {
	r[pandaID] = RangeRequest{
		NRanges:  nRanges,
		TaskID:   taskID,
		JobsetID: jobsetID,
	}
}

// Marshal serializes the request to the upstream wire format
func (r EventRangeRequest) Marshal() ([]byte, error) {
	data, err := json.Marshal(map[string]RangeRequest(r))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// ParseEventRangeRequest parses a serialized event range request
func ParseEventRangeRequest(data []byte) (EventRangeRequest, error) {
	var request map[string]RangeRequest
	if err := json.Unmarshal(data, &request); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(request) == 0 {
		return nil, trace.BadParameter("empty event range request")
	}
	return request, nil
}
