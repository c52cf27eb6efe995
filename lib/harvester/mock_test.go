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

package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestHarvester(t *testing.T) { TestingT(t) }

type MockSuite struct{}

var _ = Suite(&MockSuite{})

const testTimeout = 10 * time.Second

func receiveJobs(c *C, queues *Queues) []*eventservice.PandaJob {
	select {
	case jobs := <-queues.Jobs:
		return jobs
	case <-time.After(testTimeout):
		c.Fatal("timeout waiting for job batch")
	}
	return nil
}

func receiveRanges(c *C, queues *Queues) map[string][]*eventservice.EventRange {
	select {
	case reply := <-queues.Ranges:
		return reply
	case <-time.After(testTimeout):
		c.Fatal("timeout waiting for range batch")
	}
	return nil
}

func (s *MockSuite) TestServesJobsAndRanges(c *C) {
	queues := NewQueues()
	mock, err := NewMock(queues, MockConfig{NJobs: 2, NEventsPerJob: 5})
	c.Assert(err, IsNil)
	c.Assert(mock.Start(), IsNil)
	defer mock.Stop(context.TODO())

	queues.Requests <- eventservice.PandaJobRequest{}
	jobs := receiveJobs(c, queues)
	c.Assert(jobs, HasLen, 2)
	for _, job := range jobs {
		c.Assert(job.ID(), Not(Equals), "")
		c.Assert(job.InFiles(), HasLen, 1)
	}

	request := eventservice.NewEventRangeRequest()
	request.AddEventRequest(jobs[0].ID(), 3, jobs[0].TaskID(), jobs[0].JobsetID())
	queues.Requests <- request
	reply := receiveRanges(c, queues)
	c.Assert(reply[jobs[0].ID()], HasLen, 3)

	// the mock serves at most NEventsPerJob ranges per job
	request = eventservice.NewEventRangeRequest()
	request.AddEventRequest(jobs[0].ID(), 100, jobs[0].TaskID(), jobs[0].JobsetID())
	queues.Requests <- request
	reply = receiveRanges(c, queues)
	c.Assert(reply[jobs[0].ID()], HasLen, 2)

	// once exhausted the reply batch is empty, signalling no more events
	queues.Requests <- request
	reply = receiveRanges(c, queues)
	c.Assert(reply[jobs[0].ID()], HasLen, 0)
}

func (s *MockSuite) TestRangeIDsAreUnique(c *C) {
	queues := NewQueues()
	mock, err := NewMock(queues, MockConfig{NEventsPerJob: 20})
	c.Assert(err, IsNil)
	c.Assert(mock.Start(), IsNil)
	defer mock.Stop(context.TODO())

	queues.Requests <- eventservice.PandaJobRequest{}
	jobs := receiveJobs(c, queues)
	c.Assert(jobs, HasLen, 1)

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		request := eventservice.NewEventRangeRequest()
		request.AddEventRequest(jobs[0].ID(), 10, jobs[0].TaskID(), jobs[0].JobsetID())
		queues.Requests <- request
		for _, r := range receiveRanges(c, queues)[jobs[0].ID()] {
			c.Assert(seen[r.ID], Equals, false)
			seen[r.ID] = true
		}
	}
	c.Assert(seen, HasLen, 20)
}

func (s *MockSuite) TestRegistry(c *C) {
	queues := NewQueues()
	communicator, err := NewCommunicator(queues, &config.Config{
		Harvester: config.Harvester{Communicator: CommunicatorMock},
	})
	c.Assert(err, IsNil)
	c.Assert(communicator, NotNil)

	_, err = NewCommunicator(queues, &config.Config{
		Harvester: config.Harvester{Communicator: "telepathy"},
	})
	c.Assert(err, NotNil)
	c.Assert(trace.IsNotFound(err), Equals, true)
}
