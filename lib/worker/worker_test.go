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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	appconfig "github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/roundtrip"
	. "gopkg.in/check.v1"
)

func TestWorker(t *testing.T) { TestingT(t) }

type WorkerSuite struct{}

var _ = Suite(&WorkerSuite{})

const testTimeout = 10 * time.Second

// fakePayload stands in for the pilot subprocess
type fakePayload struct {
	mu       sync.Mutex
	job      *eventservice.PandaJob
	startErr error
	stopped  bool
	complete bool
	code     int
}

func (p *fakePayload) Start(job *eventservice.PandaJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.job = job
	return nil
}

func (p *fakePayload) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

func (p *fakePayload) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

func (p *fakePayload) ReturnCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakePayload) finish(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.complete = true
	p.code = code
}

func (p *fakePayload) startedJob() *eventservice.PandaJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.job
}

func testConfig(c *C) *appconfig.Config {
	config := &appconfig.Config{
		Payload:   appconfig.Payload{Plugin: PayloadPilotHTTP, BinDir: "/opt/pilot2"},
		Harvester: appconfig.Harvester{Endpoint: c.MkDir(), Communicator: "mock"},
		Resources: appconfig.Resources{CorePerNode: 2},
		Logging:   appconfig.Logging{Level: "debug"},
	}
	c.Assert(config.CheckAndSetDefaults(), IsNil)
	return config
}

func testJob(c *C, pandaID string) *eventservice.PandaJob {
	job, err := eventservice.NewPandaJob(map[string]interface{}{
		"PandaID":         pandaID,
		"taskID":          "task1",
		"jobsetID":        "jobset1",
		"prodSourceLabel": "managed",
		"inFiles":         "EVNT.pool.root.1",
	})
	c.Assert(err, IsNil)
	return job
}

func testRanges(pandaID string, n int) (ranges []*eventservice.EventRange) {
	for i := 0; i < n; i++ {
		ranges = append(ranges, &eventservice.EventRange{
			ID:  fmt.Sprintf("%v-%v", pandaID, i),
			PFN: "/data/EVNT.pool.root.1",
		})
	}
	return ranges
}

// expectMessage receives from the fan-in channel until a message of the
// wanted kind arrives, skipping idle heartbeats
func expectMessage(c *C, messageC <-chan eventservice.Message, kind eventservice.MessageKind) eventservice.Message {
	for {
		select {
		case message := <-messageC:
			if message.Kind == eventservice.Idle {
				continue
			}
			c.Assert(message.Kind, Equals, kind)
			return message
		case <-time.After(testTimeout):
			c.Fatalf("timeout waiting for %v", kind)
		}
	}
}

func awaitDone(c *C, w *Worker) {
	select {
	case <-w.Done():
	case <-time.After(testTimeout):
		c.Fatal("timeout waiting for worker to terminate")
	}
}

func newTestWorker(c *C, payload Payload) (*Worker, chan eventservice.Message) {
	messageC := make(chan eventservice.Message, 128)
	w, err := New(Config{
		ID:       "w1",
		Config:   testConfig(c),
		MessageC: messageC,
		ShimAddr: "127.0.0.1:0",
		Payload:  payload,
	})
	c.Assert(err, IsNil)
	c.Assert(w.Start(), IsNil)
	return w, messageC
}

func newPilotClient(c *C, w *Worker) *roundtrip.Client {
	clt, err := roundtrip.NewClient("http://"+w.ShimAddr(), "server")
	c.Assert(err, IsNil)
	return clt
}

func (s *WorkerSuite) TestProcessesJob(c *C) {
	payload := &fakePayload{}
	w, messageC := newTestWorker(c, payload)
	job := testJob(c, "job1")

	expectMessage(c, messageC, eventservice.RequestNewJob)
	w.ReceiveJob(eventservice.ReplyOK, job)

	// the buffer is empty so the worker requests twice the core count
	message := expectMessage(c, messageC, eventservice.RequestEventRanges)
	request, err := eventservice.ParseEventRangeRequest(message.Data)
	c.Assert(err, IsNil)
	c.Assert(request["job1"].NRanges, Equals, 4)
	w.ReceiveEventRanges(eventservice.ReplyOK, testRanges("job1", 4))
	c.Assert(payload.startedJob(), NotNil)

	clt := newPilotClient(c, w)

	// the pilot sees the job the driver assigned
	response, err := clt.Get(context.TODO(), clt.Endpoint("panda", "getJob"), url.Values{})
	c.Assert(err, IsNil)
	var served map[string]interface{}
	c.Assert(json.Unmarshal(response.Bytes(), &served), IsNil)
	c.Assert(served["PandaID"], Equals, "job1")

	// two fetches drain the buffer without dropping a single range
	response, err = clt.PostForm(context.TODO(), clt.Endpoint("panda", "getEventRanges"), url.Values{
		"pandaID": []string{"job1"},
		"nRanges": []string{"3"},
	})
	c.Assert(err, IsNil)
	var ranges []*eventservice.EventRange
	c.Assert(json.Unmarshal(response.Bytes(), &ranges), IsNil)
	c.Assert(ranges, HasLen, 3)

	response, err = clt.PostForm(context.TODO(), clt.Endpoint("panda", "getEventRanges"), url.Values{
		"pandaID": []string{"job1"},
		"nRanges": []string{"3"},
	})
	c.Assert(err, IsNil)
	c.Assert(json.Unmarshal(response.Bytes(), &ranges), IsNil)
	c.Assert(ranges, HasLen, 1)
	c.Assert(ranges[0].ID, Equals, "job1-3")

	// report the first range finished
	entries, err := json.Marshal([]eventservice.RangeUpdate{
		{EventRangeID: "job1-0", EventStatus: eventservice.EventStatusFinished},
	})
	c.Assert(err, IsNil)
	_, err = clt.PostForm(context.TODO(), clt.Endpoint("panda", "updateEventRanges"), url.Values{
		"eventRanges": []string{string(entries)},
	})
	c.Assert(err, IsNil)

	// the drained buffer triggers another range request and the queued
	// update is forwarded to the driver, in either order
	var update eventservice.EventRangeUpdate
	repliedNoMore := false
	for update == nil || !repliedNoMore {
		select {
		case message := <-messageC:
			switch message.Kind {
			case eventservice.Idle:
			case eventservice.RequestEventRanges:
				w.ReceiveEventRanges(eventservice.ReplyNoMoreEventRanges, nil)
				repliedNoMore = true
			case eventservice.UpdateEventRanges:
				update, err = eventservice.BuildRangeUpdate("job1", message.Data)
				c.Assert(err, IsNil)
			default:
				c.Fatalf("unexpected message %v", message.Kind)
			}
		case <-time.After(testTimeout):
			c.Fatal("timeout waiting for range request and update")
		}
	}
	c.Assert(err, IsNil)
	c.Assert(update["job1"], HasLen, 1)
	c.Assert(update["job1"][0].EventRangeID, Equals, "job1-0")

	payload.finish(0)
	message = expectMessage(c, messageC, eventservice.ProcessDone)
	c.Assert(message.ExitCode, Equals, 0)
	awaitDone(c, w)
	c.Assert(w.State(), Equals, StateTerminated)
}

func (s *WorkerSuite) TestTerminatesWhenNoJobs(c *C) {
	payload := &fakePayload{}
	w, messageC := newTestWorker(c, payload)

	expectMessage(c, messageC, eventservice.RequestNewJob)
	w.ReceiveJob(eventservice.ReplyNoMoreJobs, nil)

	message := expectMessage(c, messageC, eventservice.ProcessDone)
	c.Assert(message.ExitCode, Equals, 0)
	awaitDone(c, w)
	c.Assert(payload.startedJob(), IsNil)
	c.Assert(w.State(), Equals, StateTerminated)
}

func (s *WorkerSuite) TestReportsSpawnFailure(c *C) {
	payload := &fakePayload{startErr: fmt.Errorf("no such binary")}
	w, messageC := newTestWorker(c, payload)

	expectMessage(c, messageC, eventservice.RequestNewJob)
	w.ReceiveJob(eventservice.ReplyOK, testJob(c, "job1"))

	message := expectMessage(c, messageC, eventservice.ProcessDone)
	c.Assert(message.ExitCode, Equals, -1)
	awaitDone(c, w)
	c.Assert(w.State(), Equals, StateTerminated)
}

func (s *WorkerSuite) TestInterrupt(c *C) {
	payload := &fakePayload{}
	w, messageC := newTestWorker(c, payload)

	expectMessage(c, messageC, eventservice.RequestNewJob)
	w.ReceiveJob(eventservice.ReplyOK, testJob(c, "job1"))
	expectMessage(c, messageC, eventservice.RequestEventRanges)
	w.ReceiveEventRanges(eventservice.ReplyOK, testRanges("job1", 4))

	w.Interrupt()
	awaitDone(c, w)
	c.Assert(w.State(), Equals, StateTerminated)
	payload.mu.Lock()
	defer payload.mu.Unlock()
	c.Assert(payload.stopped, Equals, true)
}

func (s *WorkerSuite) TestServeRangesKeepsRemainder(c *C) {
	payload := &fakePayload{}
	messageC := make(chan eventservice.Message, 8)
	w, err := New(Config{
		ID:       "w1",
		Config:   testConfig(c),
		MessageC: messageC,
		ShimAddr: "127.0.0.1:0",
		Payload:  payload,
	})
	c.Assert(err, IsNil)
	w.eventRanges["job1"] = testRanges("job1", 5)

	request := eventservice.NewEventRangeRequest()
	request.AddEventRequest("job1", 2, "task1", "jobset1")
	c.Assert(w.serveRanges(request), HasLen, 2)
	// the remainder stays intact: 2 + 2 + 1, nothing dropped
	c.Assert(w.serveRanges(request), HasLen, 2)
	served := w.serveRanges(request)
	c.Assert(served, HasLen, 1)
	c.Assert(served[0].ID, Equals, "job1-4")
	c.Assert(w.serveRanges(request), HasLen, 0)
}

func (s *WorkerSuite) TestUnimplementedRoutes(c *C) {
	payload := &fakePayload{}
	w, messageC := newTestWorker(c, payload)
	defer func() {
		w.Interrupt()
		awaitDone(c, w)
	}()
	expectMessage(c, messageC, eventservice.RequestNewJob)

	clt := newPilotClient(c, w)
	for _, route := range []string{"getStatus", "getKeyPair", "updateJobsInBulk"} {
		response, err := clt.Get(context.TODO(), clt.Endpoint("panda", route), url.Values{})
		c.Assert(err, IsNil)
		c.Assert(response.Code(), Equals, http.StatusNotImplemented,
			Commentf("route %v should not be implemented", route))
	}
}
