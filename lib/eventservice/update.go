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

const (
	// EventStatusRunning is reported by the payload when it starts
	// processing a range
	EventStatusRunning = "running"
	// EventStatusFinished is reported by the payload when a range has
	// been processed successfully
	EventStatusFinished = "finished"
	// EventStatusFailed is reported by the payload when processing of
	// a range failed
	EventStatusFailed = "failed"
	// EventStatusFatal is reported by the payload when processing of
	// a range failed in a non-recoverable way
	EventStatusFatal = "fatal"
)

// RangeUpdate is a single per-range entry of a payload status update
type RangeUpdate struct {
	// EventRangeID identifies the updated range
	EventRangeID string `json:"eventRangeID"`
	// EventStatus is the payload-reported status
	EventStatus string `json:"eventStatus"`
}

// State maps the payload-reported status to a range lifecycle state.
// An unknown status maps to an empty state which fails transition
// validation downstream
func (u RangeUpdate) State() RangeState {
	switch u.EventStatus {
	case EventStatusRunning:
		return RangeRunning
	case EventStatusFinished:
		return RangeDone
	case EventStatusFailed, EventStatusFatal:
		return RangeFailed
	}
	return RangeState("")
}

// EventRangeUpdate maps PandaIDs to the per-range updates reported for
// them by a payload
type EventRangeUpdate map[string][]RangeUpdate

// BuildRangeUpdate builds an update for the specified job from the
// upstream-shaped update payload: a JSON object whose "eventRanges" key
// holds a list with a single JSON-encoded array of per-range entries
func BuildRangeUpdate(pandaID string, data []byte) (EventRangeUpdate, error) {
	var body struct {
		EventRanges []json.RawMessage `json:"eventRanges"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(body.EventRanges) == 0 {
		return nil, trace.BadParameter("update carries no eventRanges: %v", string(data))
	}
	raw := body.EventRanges[0]
	// the pilot double-encodes the array as a string inside the form body
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		raw = []byte(encoded)
	}
	var ranges []RangeUpdate
	if err := json.Unmarshal(raw, &ranges); err != nil {
		return nil, trace.Wrap(err)
	}
	for _, r := range ranges {
		if r.EventRangeID == "" {
			return nil, trace.BadParameter("range update entry has no eventRangeID: %v", string(raw))
		}
	}
	return EventRangeUpdate{pandaID: ranges}, nil
}

// PandaJobUpdate is a job status update reported by the payload. The
// update is forwarded upstream verbatim
type PandaJobUpdate map[string]interface{}

// ParseJobUpdate parses a payload job update body
func ParseJobUpdate(data []byte) (PandaJobUpdate, error) {
	var update PandaJobUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, trace.Wrap(err)
	}
	return update, nil
}
