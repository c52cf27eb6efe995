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
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// EventRangeQueue holds the event ranges of a single job, bucketed by
// lifecycle state. Ranges keep their admission order within the ready
// bucket so dispatch order matches insertion order
type EventRangeQueue struct {
	ranges map[string]*EventRange
	// readyIDs is the FIFO of ranges in the ready state
	readyIDs []string
	counts   map[RangeState]int
	// noMoreEvents is set once upstream signals the job's range stream
	// is exhausted
	noMoreEvents bool
}

// NewEventRangeQueue creates an empty event range queue
func NewEventRangeQueue() *EventRangeQueue {
	return &EventRangeQueue{
		ranges: make(map[string]*EventRange),
		counts: make(map[RangeState]int),
	}
}

// AddRanges admits a batch of ranges into the ready bucket. Ranges whose
// ID is already known are ignored
func (q *EventRangeQueue) AddRanges(ranges []*EventRange) {
	for _, r := range ranges {
		if _, exists := q.ranges[r.ID]; exists {
			continue
		}
		r.state = RangeReady
		q.ranges[r.ID] = r
		q.readyIDs = append(q.readyIDs, r.ID)
		q.counts[RangeReady]++
	}
}

// GetNextRanges returns up to n ranges from the ready bucket in admission
// order, transitioning them to assigned
func (q *EventRangeQueue) GetNextRanges(n int) []*EventRange {
	if n > len(q.readyIDs) {
		n = len(q.readyIDs)
	}
	if n == 0 {
		return nil
	}
	ranges := make([]*EventRange, 0, n)
	for _, id := range q.readyIDs[:n] {
		r := q.ranges[id]
		r.state = RangeAssigned
		ranges = append(ranges, r)
	}
	q.readyIDs = q.readyIDs[n:]
	q.counts[RangeReady] -= n
	q.counts[RangeAssigned] += n
	return ranges
}

// UpdateRangeState transitions the specified range to the given state
func (q *EventRangeQueue) UpdateRangeState(rangeID string, state RangeState) error {
	r, ok := q.ranges[rangeID]
	if !ok {
		return trace.NotFound("unknown event range %q", rangeID)
	}
	if r.state == state {
		return nil
	}
	if !validTransition(r.state, state) {
		return trace.BadParameter("illegal transition of range %q: %v -> %v",
			rangeID, r.state, state)
	}
	q.counts[r.state]--
	r.state = state
	q.counts[state]++
	if state == RangeReady {
		q.readyIDs = append(q.readyIDs, rangeID)
	}
	return nil
}

// SetNoMoreEvents flags the job's range stream as exhausted
func (q *EventRangeQueue) SetNoMoreEvents() {
	q.noMoreEvents = true
}

// NoMoreEvents returns true if upstream flagged the range stream as
// exhausted
func (q *EventRangeQueue) NoMoreEvents() bool {
	return q.noMoreEvents
}

// NRangesReady returns the number of ranges available for dispatch
func (q *EventRangeQueue) NRangesReady() int {
	return q.counts[RangeReady]
}

// NRangesAssigned returns the number of ranges handed to workers but not
// yet reported started
func (q *EventRangeQueue) NRangesAssigned() int {
	return q.counts[RangeAssigned]
}

// NRangesRunning returns the number of ranges the payloads reported as
// started
func (q *EventRangeQueue) NRangesRunning() int {
	return q.counts[RangeRunning]
}

// NRangesDone returns the number of completed ranges
func (q *EventRangeQueue) NRangesDone() int {
	return q.counts[RangeDone]
}

// NRangesFailed returns the number of failed ranges
func (q *EventRangeQueue) NRangesFailed() int {
	return q.counts[RangeFailed]
}

// NRanges returns the total number of ranges ever admitted for the job
func (q *EventRangeQueue) NRanges() int {
	return len(q.ranges)
}

// PandaJobQueue is the collection of admitted jobs keyed by PandaID,
// preserving admission order
type PandaJobQueue struct {
	jobs        map[string]*PandaJob
	eventRanges map[string]*EventRangeQueue
	order       []string
}

// NewPandaJobQueue creates an empty job queue
func NewPandaJobQueue() *PandaJobQueue {
	return &PandaJobQueue{
		jobs:        make(map[string]*PandaJob),
		eventRanges: make(map[string]*EventRangeQueue),
	}
}

// AddJobs admits a batch of jobs. Jobs with an already known PandaID are
// ignored, first write wins
func (q *PandaJobQueue) AddJobs(jobs []*PandaJob) {
	for _, job := range jobs {
		if _, exists := q.jobs[job.ID()]; exists {
			continue
		}
		q.jobs[job.ID()] = job
		q.eventRanges[job.ID()] = NewEventRangeQueue()
		q.order = append(q.order, job.ID())
	}
}

// Get returns the job with the specified PandaID or nil
func (q *PandaJobQueue) Get(pandaID string) *PandaJob {
	return q.jobs[pandaID]
}

// Has returns true if the specified job has been admitted
func (q *PandaJobQueue) Has(pandaID string) bool {
	_, ok := q.jobs[pandaID]
	return ok
}

// IDs returns the PandaIDs of all admitted jobs in admission order
func (q *PandaJobQueue) IDs() []string {
	ids := make([]string, len(q.order))
	copy(ids, q.order)
	return ids
}

// Len returns the number of admitted jobs
func (q *PandaJobQueue) Len() int {
	return len(q.jobs)
}

// GetEventRanges returns the event range queue of the specified job or nil
func (q *PandaJobQueue) GetEventRanges(pandaID string) *EventRangeQueue {
	return q.eventRanges[pandaID]
}

// ProcessEventRangesReply admits a harvester range reply. An empty list
// for a known job flags the job's range stream as exhausted. Entries for
// unknown jobs are logged and discarded, the rest of the batch is still
// admitted
func (q *PandaJobQueue) ProcessEventRangesReply(reply map[string][]*EventRange) {
	for pandaID, ranges := range reply {
		rangeQueue, ok := q.eventRanges[pandaID]
		if !ok {
			log.Warnf("Discarding event ranges reply for unknown job %q.", pandaID)
			continue
		}
		if len(ranges) == 0 {
			rangeQueue.SetNoMoreEvents()
			continue
		}
		rangeQueue.AddRanges(ranges)
	}
}

// NextJobIDToProcess returns the PandaID and the number of available
// ranges of the earliest-admitted job with at least one ready range.
// Returns an empty PandaID if no job has ranges to hand out
func (q *PandaJobQueue) NextJobIDToProcess() (pandaID string, nReady int) {
	for _, id := range q.order {
		if n := q.eventRanges[id].NRangesReady(); n > 0 {
			return id, n
		}
	}
	return "", 0
}
