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

// Package bookkeeper implements the authoritative in-memory registry of
// jobs, event ranges and worker assignments.
//
// The registry is not safe for concurrent use: all mutations are funneled
// through the driver's control goroutine, worker actors never touch it
// directly.
package bookkeeper

import (
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// BookKeeper tracks admitted jobs, their event ranges and the ranges
// currently owned by each worker
type BookKeeper struct {
	log log.FieldLogger
	// jobs is the queue of admitted jobs in admission order
	jobs *eventservice.PandaJobQueue
	// eventService indicates whether jobs are sliced into fetchable
	// ranges or handed out whole
	eventService bool
	// actors maps worker IDs to their assigned PandaID
	actors map[string]string
	// rangesByActor maps worker IDs to the set of owned ranges, each
	// range recorded with the job it belongs to
	rangesByActor map[string]map[string]string
}

// New creates an empty bookkeeper. eventService selects between
// event-service mode (jobs sliced into ranges) and plain mode (whole
// jobs, one per worker)
func New(eventService bool) *BookKeeper {
	return &BookKeeper{
		log:           log.WithField(trace.Component, defaults.ComponentBookKeeper),
		jobs:          eventservice.NewPandaJobQueue(),
		eventService:  eventService,
		actors:        make(map[string]string),
		rangesByActor: make(map[string]map[string]string),
	}
}

// Jobs returns the underlying job queue
func (b *BookKeeper) Jobs() *eventservice.PandaJobQueue {
	return b.jobs
}

// AddJobs admits a batch of jobs, ignoring duplicate PandaIDs
func (b *BookKeeper) AddJobs(jobs []*eventservice.PandaJob) {
	b.jobs.AddJobs(jobs)
	b.log.Infof("Admitted %v jobs, %v known.", len(jobs), b.jobs.Len())
}

// AddEventRanges admits a harvester range reply, a mapping from PandaID
// to a batch of ranges. An empty batch for a known job flags the job's
// range stream as exhausted. Replies for unknown jobs are discarded
func (b *BookKeeper) AddEventRanges(reply map[string][]*eventservice.EventRange) {
	b.jobs.ProcessEventRangesReply(reply)
}

// HasJobsReady returns true if some admitted job has at least one
// available range, or, in plain mode, if some job is unassigned
func (b *BookKeeper) HasJobsReady() bool {
	if b.eventService {
		pandaID, _ := b.jobs.NextJobIDToProcess()
		return pandaID != ""
	}
	return b.nextUnassignedJob() != ""
}

// AssignJobToActor binds the worker to the next job to process and
// returns the job, or nil if no job can be handed out. A worker already
// bound to a different job has its old binding released first
func (b *BookKeeper) AssignJobToActor(workerID string) (*eventservice.PandaJob, error) {
	if err := b.verifyInvariants(); err != nil {
		return nil, trace.Wrap(err)
	}
	var pandaID string
	if b.eventService {
		pandaID, _ = b.jobs.NextJobIDToProcess()
	} else {
		pandaID = b.nextUnassignedJob()
	}
	b.actors[workerID] = pandaID
	if pandaID == "" {
		return nil, nil
	}
	return b.jobs.Get(pandaID), nil
}

// FetchEventRanges returns up to n ranges from the worker's assigned job,
// transitioning them to assigned and recording the worker's ownership.
// Returns nil if the worker has no assignment
func (b *BookKeeper) FetchEventRanges(workerID string, n int) []*eventservice.EventRange {
	pandaID := b.actors[workerID]
	if pandaID == "" {
		return nil
	}
	ranges := b.jobs.GetEventRanges(pandaID).GetNextRanges(n)
	if len(ranges) == 0 {
		return nil
	}
	owned := b.rangesByActor[workerID]
	if owned == nil {
		owned = make(map[string]string)
		b.rangesByActor[workerID] = owned
	}
	for _, r := range ranges {
		owned[r.ID] = pandaID
	}
	return ranges
}

// ProcessEventRangesUpdate applies a payload-reported range update
// forwarded by the specified worker. Completed and failed ranges are
// removed from the worker's owned set, running ranges remain owned.
// Malformed entries are logged and discarded
func (b *BookKeeper) ProcessEventRangesUpdate(workerID string, data []byte) {
	pandaID := b.actors[workerID]
	if pandaID == "" {
		b.log.Warnf("Discarding event ranges update from %v: no job assigned.", workerID)
		return
	}
	update, err := eventservice.BuildRangeUpdate(pandaID, data)
	if err != nil {
		b.log.WithError(err).Warnf("Discarding malformed event ranges update from %v.", workerID)
		return
	}
	rangeQueue := b.jobs.GetEventRanges(pandaID)
	owned := b.rangesByActor[workerID]
	for _, r := range update[pandaID] {
		if err := rangeQueue.UpdateRangeState(r.EventRangeID, r.State()); err != nil {
			b.log.WithError(err).Warnf("Discarding update entry for range %v from %v.",
				r.EventRangeID, workerID)
			continue
		}
		if r.EventStatus != eventservice.EventStatusRunning {
			delete(owned, r.EventRangeID)
		}
	}
}

// ProcessActorEnd returns every range still owned by the worker to the
// available pool and clears the worker's assignment
func (b *BookKeeper) ProcessActorEnd(workerID string) {
	owned := b.rangesByActor[workerID]
	if len(owned) > 0 {
		b.log.Warnf("%v finished with %v ranges remaining to process.", workerID, len(owned))
	}
	for rangeID, pandaID := range owned {
		b.log.Warnf("%v finished without processing range %v.", workerID, rangeID)
		if err := b.jobs.GetEventRanges(pandaID).UpdateRangeState(rangeID, eventservice.RangeReady); err != nil {
			b.log.WithError(err).Warnf("Failed to release range %v.", rangeID)
		}
	}
	delete(b.rangesByActor, workerID)
	delete(b.actors, workerID)
}

// NReady returns the number of ranges available for dispatch for the
// specified job
func (b *BookKeeper) NReady(pandaID string) int {
	rangeQueue := b.jobs.GetEventRanges(pandaID)
	if rangeQueue == nil {
		return 0
	}
	return rangeQueue.NRangesReady()
}

// IsFlaggedNoMoreEvents returns true if upstream flagged the specified
// job's range stream as exhausted
func (b *BookKeeper) IsFlaggedNoMoreEvents(pandaID string) bool {
	rangeQueue := b.jobs.GetEventRanges(pandaID)
	if rangeQueue == nil {
		return false
	}
	return rangeQueue.NoMoreEvents()
}

// NRanges returns the total number of available ranges across all jobs
func (b *BookKeeper) NRanges() int {
	total := 0
	for _, pandaID := range b.jobs.IDs() {
		total += b.jobs.GetEventRanges(pandaID).NRangesReady()
	}
	return total
}

// AssignedJob returns the PandaID currently assigned to the worker, or
// an empty string
func (b *BookKeeper) AssignedJob(workerID string) string {
	return b.actors[workerID]
}

// nextUnassignedJob returns the earliest-admitted job not yet bound to
// any worker, used in plain (non event-service) mode
func (b *BookKeeper) nextUnassignedJob() string {
	assigned := make(map[string]bool, len(b.actors))
	for _, pandaID := range b.actors {
		assigned[pandaID] = true
	}
	for _, pandaID := range b.jobs.IDs() {
		if !assigned[pandaID] {
			return pandaID
		}
	}
	return ""
}

// verifyInvariants checks the registry's accounting before a new
// assignment is made. A violation means ranges were double-dispatched or
// lost and the driver must abort to avoid compounding the damage
func (b *BookKeeper) verifyInvariants() error {
	seen := make(map[string]string)
	ownedByJob := make(map[string]int)
	for workerID, owned := range b.rangesByActor {
		for rangeID, pandaID := range owned {
			if other, ok := seen[rangeID]; ok {
				return trace.BadParameter(
					"range %v owned by both %v and %v", rangeID, other, workerID)
			}
			seen[rangeID] = workerID
			ownedByJob[pandaID]++
		}
	}
	for _, pandaID := range b.jobs.IDs() {
		rangeQueue := b.jobs.GetEventRanges(pandaID)
		outstanding := rangeQueue.NRangesAssigned() + rangeQueue.NRangesRunning()
		if ownedByJob[pandaID] != outstanding {
			return trace.BadParameter(
				"job %v has %v outstanding ranges but workers own %v",
				pandaID, outstanding, ownedByJob[pandaID])
		}
	}
	return nil
}
