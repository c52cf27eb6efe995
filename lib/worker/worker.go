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

// Package worker implements the per-node worker actor: a state machine
// that owns the payload subprocess, serves it event ranges over a local
// HTTP endpoint and communicates with the driver
package worker

import (
	"context"
	"sync"

	appconfig "github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// State is the worker lifecycle state
type State string

const (
	// StateCreated means the worker exists but has not started
	StateCreated State = "created"
	// StateIdle means the HTTP endpoint is up and no job is assigned
	StateIdle State = "idle"
	// StateAwaitingJob means a job request is pending with the driver
	StateAwaitingJob State = "awaiting_job"
	// StateRunning means the payload is processing the assigned job
	StateRunning State = "running"
	// StateDraining means the payload exited and pending updates are
	// being flushed
	StateDraining State = "draining"
	// StateTerminated means the worker has shut down
	StateTerminated State = "terminated"
)

// Config configures a worker actor
type Config struct {
	// ID is the worker identifier
	ID string
	// Config is the application configuration
	Config *appconfig.Config
	// MessageC is the driver's fan-in message channel
	MessageC chan<- eventservice.Message
	// ShimAddr is the pilot endpoint bind address
	ShimAddr string
	// Payload overrides the payload implementation, defaults to the
	// plugin selected by the configuration
	Payload Payload
	// Clock allows tests to control the worker's idle pacing
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.ID == "" {
		return trace.BadParameter("missing ID")
	}
	if c.Config == nil {
		return trace.BadParameter("missing Config")
	}
	if c.MessageC == nil {
		return trace.BadParameter("missing MessageC")
	}
	if c.ShimAddr == "" {
		c.ShimAddr = defaults.PilotHTTPAddr
	}
	if c.Payload == nil {
		payload, err := NewPayload(c.ID, c.Config)
		if err != nil {
			return trace.Wrap(err)
		}
		c.Payload = payload
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Worker is the per-node actor supervising one payload
type Worker struct {
	Config
	log     log.FieldLogger
	clock   clockwork.Clock
	payload Payload
	shim    *shim

	// replyC receives driver replies to pending requests
	replyC chan eventservice.Reply
	// updateC buffers payload updates pending delivery to the driver
	updateC chan eventservice.Message

	interruptOnce sync.Once
	interruptC    chan struct{}
	doneC         chan struct{}

	mu sync.Mutex
	// state transitions happen on the worker's own goroutine, reads can
	// come from the shim or the driver
	state State
	job   *eventservice.PandaJob
	// eventRanges holds the ranges still to hand to the payload, keyed
	// by PandaID
	eventRanges map[string][]*eventservice.EventRange
	// noMoreRanges marks the drain signal from the driver
	noMoreRanges bool
}

// New creates a worker actor from the specified configuration
func New(config Config) (*Worker, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	w := &Worker{
		Config: config,
		log: log.WithFields(log.Fields{
			trace.Component: defaults.ComponentWorker,
			"worker":        config.ID,
		}),
		clock:       config.Clock,
		payload:     config.Payload,
		replyC:      make(chan eventservice.Reply, 1),
		updateC:     make(chan eventservice.Message, defaults.WorkerUpdateQueueSize),
		interruptC:  make(chan struct{}),
		doneC:       make(chan struct{}),
		state:       StateCreated,
		eventRanges: make(map[string][]*eventservice.EventRange),
	}
	w.shim = newShim(w)
	return w, nil
}

// ID returns the worker identifier
func (w *Worker) ID() string {
	return w.Config.ID
}

// Start brings up the pilot endpoint and starts the worker's state
// machine
func (w *Worker) Start() error {
	if err := w.shim.start(w.Config.ShimAddr); err != nil {
		return trace.Wrap(err)
	}
	w.setState(StateIdle)
	go w.run()
	return nil
}

// Done is closed once the worker has terminated
func (w *Worker) Done() <-chan struct{} {
	return w.doneC
}

// State returns the worker's lifecycle state
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// ShimAddr returns the address of the pilot endpoint
func (w *Worker) ShimAddr() string {
	return w.shim.addr()
}

// Interrupt asks the worker to terminate: the payload is signalled, the
// pilot endpoint stopped and the state machine exits without reporting
// completion
func (w *Worker) Interrupt() {
	w.interruptOnce.Do(func() {
		close(w.interruptC)
	})
}

// ReceiveJob delivers the driver's reply to a job request
func (w *Worker) ReceiveJob(kind eventservice.MessageKind, job *eventservice.PandaJob) {
	w.reply(eventservice.Reply{Kind: kind, Job: job})
}

// ReceiveEventRanges delivers the driver's reply to an event range
// request
func (w *Worker) ReceiveEventRanges(kind eventservice.MessageKind, ranges []*eventservice.EventRange) {
	w.reply(eventservice.Reply{Kind: kind, Ranges: ranges})
}

func (w *Worker) reply(reply eventservice.Reply) {
	select {
	case w.replyC <- reply:
	default:
		w.log.Warnf("Dropped reply %v: no request pending.", reply.Kind)
	}
}

// run is the worker state machine. It requests a job, supervises the
// payload and keeps the local range buffer filled until the payload
// exits or the driver interrupts
func (w *Worker) run() {
	defer close(w.doneC)
	job, ok := w.requestJob()
	if !ok {
		w.shutdown()
		return
	}
	if job != nil {
		if err := w.payload.Start(job); err != nil {
			w.log.WithError(err).Error("Failed to spawn payload.")
			w.send(eventservice.Message{Kind: eventservice.ProcessDone, ExitCode: -1})
			w.shutdown()
			return
		}
		w.setState(StateRunning)
		w.serve(job)
	}
	w.drain()
	w.shutdown()
}

// requestJob asks the driver for a job. Returns false if the worker was
// interrupted while waiting, a nil job if the driver has none to assign
func (w *Worker) requestJob() (*eventservice.PandaJob, bool) {
	w.setState(StateAwaitingJob)
	if !w.send(eventservice.Message{Kind: eventservice.RequestNewJob}) {
		return nil, false
	}
	reply, ok := w.awaitReply()
	if !ok {
		return nil, false
	}
	if reply.Kind != eventservice.ReplyOK || reply.Job == nil {
		w.log.Info("No more jobs available.")
		return nil, true
	}
	w.mu.Lock()
	w.job = reply.Job
	w.mu.Unlock()
	w.log.Infof("Received %v.", reply.Job)
	return reply.Job, true
}

// serve keeps the payload supplied with event ranges until it exits or
// the worker is interrupted
func (w *Worker) serve(job *eventservice.PandaJob) {
	corePerNode := w.Config.Config.Resources.CorePerNode
	for {
		select {
		case <-w.interruptC:
			return
		default:
		}
		if w.payload.IsComplete() {
			return
		}
		w.forwardUpdates()
		if w.shouldRequestRanges(job.ID(), corePerNode) {
			if !w.requestRanges(job, corePerNode*2) {
				return
			}
			continue
		}
		if !w.send(eventservice.Message{Kind: eventservice.Idle}) {
			return
		}
		select {
		case <-w.clock.After(defaults.WorkerIdleInterval):
		case <-w.interruptC:
			return
		}
	}
}

// requestRanges asks the driver for n more ranges for the specified job.
// Returns false if the worker was interrupted while waiting
func (w *Worker) requestRanges(job *eventservice.PandaJob, n int) bool {
	request := eventservice.NewEventRangeRequest()
	request.AddEventRequest(job.ID(), n, job.TaskID(), job.JobsetID())
	data, err := request.Marshal()
	if err != nil {
		w.log.WithError(err).Error("Failed to serialize event range request.")
		return true
	}
	if !w.send(eventservice.Message{Kind: eventservice.RequestEventRanges, Data: data}) {
		return false
	}
	reply, ok := w.awaitReply()
	if !ok {
		return false
	}
	if reply.Kind != eventservice.ReplyOK || len(reply.Ranges) == 0 {
		w.log.Info("No more event ranges for this job.")
		w.mu.Lock()
		w.noMoreRanges = true
		w.mu.Unlock()
		return true
	}
	w.mu.Lock()
	w.eventRanges[job.ID()] = append(w.eventRanges[job.ID()], reply.Ranges...)
	buffered := len(w.eventRanges[job.ID()])
	w.mu.Unlock()
	w.log.Infof("Received %v event ranges, %v buffered.", len(reply.Ranges), buffered)
	return true
}

// drain flushes pending updates and reports the payload exit code
func (w *Worker) drain() {
	w.setState(StateDraining)
	w.forwardUpdates()
	select {
	case <-w.interruptC:
		// the driver initiated the termination, it does not expect a
		// completion report
		return
	default:
	}
	if w.payload.IsComplete() {
		w.send(eventservice.Message{
			Kind:     eventservice.ProcessDone,
			ExitCode: w.payload.ReturnCode(),
		})
	} else {
		// no job was assigned, report a clean exit so the driver
		// releases the worker
		w.send(eventservice.Message{Kind: eventservice.ProcessDone})
	}
}

// shutdown stops the payload and the pilot endpoint
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.PayloadStopTimeout)
	defer cancel()
	if err := w.payload.Stop(ctx); err != nil {
		w.log.WithError(err).Warn("Failed to stop payload.")
	}
	shimCtx, shimCancel := context.WithTimeout(context.Background(), defaults.ShimShutdownTimeout)
	defer shimCancel()
	if err := w.shim.stop(shimCtx); err != nil {
		w.log.WithError(err).Warn("Failed to stop pilot endpoint.")
	}
	w.setState(StateTerminated)
	w.log.Info("Worker terminated.")
}

// send forwards a message to the driver. Returns false if the worker was
// interrupted before the driver accepted the message
func (w *Worker) send(message eventservice.Message) bool {
	message.WorkerID = w.Config.ID
	select {
	case w.MessageC <- message:
		return true
	case <-w.interruptC:
		return false
	}
}

// awaitReply blocks until the driver replies to the pending request.
// Returns false if the worker was interrupted or the payload exited
// while waiting
func (w *Worker) awaitReply() (eventservice.Reply, bool) {
	for {
		select {
		case reply := <-w.replyC:
			return reply, true
		case <-w.interruptC:
			return eventservice.Reply{}, false
		case <-w.clock.After(defaults.WorkerIdleInterval):
			if w.payload.IsComplete() {
				return eventservice.Reply{}, false
			}
		}
	}
}

// forwardUpdates relays buffered payload updates to the driver
func (w *Worker) forwardUpdates() {
	for {
		select {
		case update := <-w.updateC:
			w.send(update)
		default:
			return
		}
	}
}

// currentJob returns the job being processed, nil if none is assigned.
// Called from the shim
func (w *Worker) currentJob() *eventservice.PandaJob {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

// serveRanges hands ranges from the local buffer to the payload. A
// request may target multiple jobs but only the first is served.
// Called from the shim
func (w *Worker) serveRanges(request eventservice.EventRangeRequest) []*eventservice.EventRange {
	if len(request) > 1 {
		w.log.Warn("Pilot requested ranges for more than one job, serving only the first.")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for pandaID, rangeRequest := range request {
		buffered := w.eventRanges[pandaID]
		if len(buffered) == 0 {
			return nil
		}
		n := rangeRequest.NRanges
		if n > len(buffered) {
			n = len(buffered)
		}
		served := buffered[:n]
		w.eventRanges[pandaID] = buffered[n:]
		w.log.Infof("Served %v event ranges, %v remaining.", n, len(w.eventRanges[pandaID]))
		return served
	}
	return nil
}

// pushUpdate queues a payload update for delivery to the driver. Called
// from the shim
func (w *Worker) pushUpdate(kind eventservice.MessageKind, data []byte) {
	select {
	case w.updateC <- eventservice.Message{WorkerID: w.Config.ID, Kind: kind, Data: data}:
	default:
		w.log.Warnf("Update queue full, dropping %v update.", kind)
	}
}

// shouldRequestRanges applies the low-watermark policy: request more
// ranges once the local buffer drops below the payload's core count
func (w *Worker) shouldRequestRanges(pandaID string, corePerNode int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.noMoreRanges {
		return false
	}
	return len(w.eventRanges[pandaID]) < corePerNode
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}
