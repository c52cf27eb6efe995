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

// Package driver implements the dispatcher control loop: it multiplexes
// worker messages, issues replies backed by the bookkeeper, prefetches
// event ranges from harvester and handles worker termination
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/dougbenjamin/ray/lib/bookkeeper"
	"github.com/dougbenjamin/ray/lib/cluster"
	appconfig "github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"
	"github.com/dougbenjamin/ray/lib/harvester"
	"github.com/dougbenjamin/ray/lib/worker"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Config configures the driver
type Config struct {
	// Config is the application configuration
	Config *appconfig.Config
	// Cluster is the resource query the driver creates workers from,
	// defaults to the configuration-derived view
	Cluster cluster.Interface
	// Queues are the communicator queues, created if unset
	Queues *harvester.Queues
	// Communicator overrides the harvester communicator, defaults to
	// the implementation selected by the configuration
	Communicator harvester.Communicator
	// ShimAddr overrides the pilot endpoint bind address on every
	// worker, used by tests to avoid the fixed port
	ShimAddr string
	// NewPayload overrides the payload constructor for workers, used
	// by tests
	NewPayload worker.NewPayloadFunc
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.Config == nil {
		return trace.BadParameter("missing Config")
	}
	if c.Cluster == nil {
		clusterView, err := cluster.New(c.Config)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Cluster = clusterView
	}
	if c.Queues == nil {
		c.Queues = harvester.NewQueues()
	}
	if c.Communicator == nil {
		communicator, err := harvester.NewCommunicator(c.Queues, c.Config)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Communicator = communicator
	}
	return nil
}

// Driver owns the bookkeeper and the worker actors and runs the control
// loop until all workers have terminated or a stop is requested
type Driver struct {
	Config
	log        log.FieldLogger
	bookKeeper *bookkeeper.BookKeeper
	messageC   chan eventservice.Message
	workers    map[string]*worker.Worker
	terminated map[string]bool
	// rangeRequestPending guards against flooding harvester with
	// duplicate prefetch requests
	rangeRequestPending bool
	totalSent           int

	// mu guards workers against concurrent observation while the
	// control goroutine is creating them
	mu sync.Mutex

	stopOnce sync.Once
	stopC    chan struct{}
	doneC    chan struct{}
}

// New creates a driver from the specified configuration
func New(config Config) (*Driver, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Driver{
		Config:     config,
		log:        log.WithField(trace.Component, defaults.ComponentDriver),
		bookKeeper: bookkeeper.New(config.Config.IsEventService()),
		messageC:   make(chan eventservice.Message),
		workers:    make(map[string]*worker.Worker),
		terminated: make(map[string]bool),
		stopC:      make(chan struct{}),
		doneC:      make(chan struct{}),
	}, nil
}

// BookKeeper returns the driver's registry
func (d *Driver) BookKeeper() *bookkeeper.BookKeeper {
	return d.bookKeeper
}

// Run executes the dispatcher until all workers have terminated or a
// stop is requested. It is fatal for the communicator to deliver no
// initial jobs
func (d *Driver) Run() error {
	defer close(d.doneC)
	if err := d.Communicator.Start(); err != nil {
		return trace.Wrap(err)
	}
	defer d.stopCommunicator()

	err := d.bootstrap()
	if err != nil {
		return trace.Wrap(err)
	}
	err = d.handleWorkers()
	d.cleanup()
	return trace.Wrap(err)
}

// Stop requests a graceful shutdown bound by the provided context.
// Implements utils.Stopper
func (d *Driver) Stop(ctx context.Context) error {
	d.log.Info("Graceful shutdown...")
	d.stopOnce.Do(func() {
		close(d.stopC)
	})
	select {
	case <-d.doneC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// bootstrap pulls the initial job batch, issues the initial range
// request and creates one worker per cluster slot
func (d *Driver) bootstrap() error {
	d.Queues.Requests <- eventservice.PandaJobRequest{}
	var jobs []*eventservice.PandaJob
	select {
	case jobs = <-d.Queues.Jobs:
	case <-time.After(defaults.InitialJobTimeout):
		return trace.ConnectionProblem(nil, "timeout waiting for initial jobs from harvester")
	case <-d.stopC:
		return nil
	}
	if len(jobs) == 0 {
		d.log.Error("No jobs provided by communicator, stopping.")
		return trace.NotFound("no jobs provided by communicator")
	}
	d.bookKeeper.AddJobs(jobs)

	if d.Config.Config.IsEventService() {
		request := eventservice.NewEventRangeRequest()
		for _, pandaID := range d.bookKeeper.Jobs().IDs() {
			job := d.bookKeeper.Jobs().Get(pandaID)
			request.AddEventRequest(pandaID, defaults.InitialRangesPerJob, job.TaskID(), job.JobsetID())
		}
		d.Queues.Requests <- request
		d.rangeRequestPending = true
		// wait for the initial batch so the first workers to ask for a
		// job do not get turned away while ranges are still in flight
		select {
		case reply := <-d.Queues.Ranges:
			d.rangeRequestPending = false
			d.bookKeeper.AddEventRanges(reply)
		case <-time.After(defaults.InitialJobTimeout):
			return trace.ConnectionProblem(nil, "timeout waiting for initial event ranges from harvester")
		case <-d.stopC:
			return nil
		}
	}

	slots, err := d.Cluster.Slots()
	if err != nil {
		return trace.Wrap(err)
	}
	for _, slot := range slots {
		if err := d.createWorker(slot); err != nil {
			return trace.Wrap(err)
		}
	}
	d.log.Infof("Started %v workers.", len(d.workers))
	return nil
}

func (d *Driver) createWorker(slot cluster.Slot) error {
	workerConfig := worker.Config{
		ID:       slot.WorkerID,
		Config:   d.Config.Config,
		MessageC: d.messageC,
		ShimAddr: d.ShimAddr,
	}
	if d.NewPayload != nil {
		payload, err := d.NewPayload(slot.WorkerID, d.Config.Config)
		if err != nil {
			return trace.Wrap(err)
		}
		workerConfig.Payload = payload
	}
	w, err := worker.New(workerConfig)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := w.Start(); err != nil {
		return trace.Wrap(err)
	}
	d.mu.Lock()
	d.workers[w.ID()] = w
	d.mu.Unlock()
	return nil
}

// Workers returns the worker actors created by the driver
func (d *Driver) Workers() []*worker.Worker {
	d.mu.Lock()
	defer d.mu.Unlock()
	workers := make([]*worker.Worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	return workers
}

// handleWorkers is the control loop: wait for any worker message or
// range batch, dispatch and repeat until every worker has terminated
func (d *Driver) handleWorkers() error {
	for len(d.terminated) < len(d.workers) {
		select {
		case message := <-d.messageC:
			if err := d.dispatch(message); err != nil {
				// an invariant violation means ranges were double
				// dispatched, abort before compounding the damage
				return trace.Wrap(err)
			}
		case reply := <-d.Queues.Ranges:
			d.rangeRequestPending = false
			d.bookKeeper.AddEventRanges(reply)
			d.prefetch()
		case jobs := <-d.Queues.Jobs:
			d.bookKeeper.AddJobs(jobs)
		case <-d.stopC:
			return nil
		}
	}
	d.log.Info("All workers terminated.")
	return nil
}

func (d *Driver) dispatch(message eventservice.Message) error {
	w := d.workers[message.WorkerID]
	if w == nil {
		d.log.Warnf("Discarding message %v from unknown worker %v.",
			message.Kind, message.WorkerID)
		return nil
	}
	switch message.Kind {
	case eventservice.Idle:

	case eventservice.RequestNewJob:
		job, err := d.bookKeeper.AssignJobToActor(message.WorkerID)
		if err != nil {
			return trace.Wrap(err)
		}
		if job != nil {
			w.ReceiveJob(eventservice.ReplyOK, job)
		} else {
			w.ReceiveJob(eventservice.ReplyNoMoreJobs, nil)
		}

	case eventservice.RequestEventRanges:
		request, err := eventservice.ParseEventRangeRequest(message.Data)
		if err != nil {
			d.log.WithError(err).Warnf("Malformed event range request from %v.", message.WorkerID)
			w.ReceiveEventRanges(eventservice.ReplyNoMoreEventRanges, nil)
			break
		}
		ranges := d.bookKeeper.FetchEventRanges(message.WorkerID, nRequested(request))
		if len(ranges) > 0 {
			d.totalSent += len(ranges)
			d.log.Infof("Sending %v ranges to %v, total sent %v, remaining %v.",
				len(ranges), message.WorkerID, d.totalSent, d.bookKeeper.NRanges())
			w.ReceiveEventRanges(eventservice.ReplyOK, ranges)
		} else {
			d.log.Infof("No more ranges to send to %v.", message.WorkerID)
			w.ReceiveEventRanges(eventservice.ReplyNoMoreEventRanges, nil)
		}
		d.prefetch()

	case eventservice.UpdateJob:
		// forwarding upstream is a future extension
		d.log.Infof("%v sent a job update: %v.", message.WorkerID, string(message.Data))

	case eventservice.UpdateEventRanges:
		d.log.Debugf("%v sent an event ranges update.", message.WorkerID)
		d.bookKeeper.ProcessEventRangesUpdate(message.WorkerID, message.Data)

	case eventservice.ProcessDone:
		d.log.Infof("%v done with exit code %v.", message.WorkerID, message.ExitCode)
		d.terminated[message.WorkerID] = true
		d.bookKeeper.ProcessActorEnd(message.WorkerID)

	default:
		d.log.Warnf("Discarding unexpected message %v from %v.",
			message.Kind, message.WorkerID)
	}
	return nil
}

// prefetch issues a fresh range request once the pool of available
// ranges drops below one payload fill per live worker
func (d *Driver) prefetch() {
	if !d.Config.Config.IsEventService() || d.rangeRequestPending {
		return
	}
	liveWorkers := len(d.workers) - len(d.terminated)
	if liveWorkers <= 0 {
		return
	}
	threshold := d.Config.Config.Resources.CorePerNode * liveWorkers
	request := eventservice.NewEventRangeRequest()
	for _, pandaID := range d.bookKeeper.Jobs().IDs() {
		if d.bookKeeper.IsFlaggedNoMoreEvents(pandaID) {
			continue
		}
		if d.bookKeeper.NReady(pandaID) >= threshold {
			continue
		}
		job := d.bookKeeper.Jobs().Get(pandaID)
		request.AddEventRequest(pandaID, defaults.InitialRangesPerJob, job.TaskID(), job.JobsetID())
	}
	if len(request) == 0 {
		return
	}
	select {
	case d.Queues.Requests <- request:
		d.rangeRequestPending = true
	default:
		d.log.Warn("Request queue full, delaying range prefetch.")
	}
}

// cleanup interrupts every worker that has not terminated on its own
// and waits for all of them to exit
func (d *Driver) cleanup() {
	for id, w := range d.workers {
		if !d.terminated[id] {
			w.Interrupt()
			d.terminated[id] = true
		}
	}
	for _, w := range d.workers {
		<-w.Done()
	}
}

func (d *Driver) stopCommunicator() {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShimShutdownTimeout)
	defer cancel()
	if err := d.Communicator.Stop(ctx); err != nil {
		d.log.WithError(err).Warn("Failed to stop communicator.")
	}
}

// nRequested returns the batch size of the request: the worker only
// requests ranges for a single job
func nRequested(request eventservice.EventRangeRequest) int {
	for _, rangeRequest := range request {
		return rangeRequest.NRanges
	}
	return 0
}
