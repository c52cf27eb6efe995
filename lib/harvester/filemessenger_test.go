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
	"encoding/json"
	"io/ioutil"
	"os"
	"time"

	"github.com/dougbenjamin/ray/lib/eventservice"

	. "gopkg.in/check.v1"
)

type FileMessengerSuite struct {
	dir       string
	queues    *Queues
	messenger *FileMessenger
}

var _ = Suite(&FileMessengerSuite{})

func (s *FileMessengerSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	s.queues = NewQueues()
	messenger, err := NewFileMessenger(s.queues, s.dir)
	c.Assert(err, IsNil)
	c.Assert(messenger.Start(), IsNil)
	s.messenger = messenger
}

func (s *FileMessengerSuite) TearDownTest(c *C) {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	c.Assert(s.messenger.Stop(ctx), IsNil)
}

// awaitFile waits for the messenger to write the specified request file
func awaitFile(c *C, path string) {
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Fatalf("timeout waiting for %v", path)
}

func (s *FileMessengerSuite) TestJobExchange(c *C) {
	s.queues.Requests <- eventservice.PandaJobRequest{}
	awaitFile(c, s.messenger.JobRequestFile())

	// harvester drops the job specification file
	spec := map[string]map[string]interface{}{
		"job1": {
			"PandaID":         "job1",
			"taskID":          "task1",
			"jobsetID":        "jobset1",
			"prodSourceLabel": "managed",
			"inFiles":         "EVNT.pool.root.1",
		},
	}
	data, err := json.Marshal(spec)
	c.Assert(err, IsNil)
	c.Assert(ioutil.WriteFile(s.messenger.JobSpecFile(), data, 0644), IsNil)

	jobs := receiveJobs(c, s.queues)
	c.Assert(jobs, HasLen, 1)
	c.Assert(jobs[0].ID(), Equals, "job1")

	// both exchange files are consumed
	_, err = os.Stat(s.messenger.JobSpecFile())
	c.Assert(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(s.messenger.JobRequestFile())
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *FileMessengerSuite) TestEventRangeExchange(c *C) {
	request := eventservice.NewEventRangeRequest()
	request.AddEventRequest("job1", 2, "task1", "jobset1")
	s.queues.Requests <- request
	awaitFile(c, s.messenger.EventRequestFile())

	// the request file carries the serialized range request
	data, err := ioutil.ReadFile(s.messenger.EventRequestFile())
	c.Assert(err, IsNil)
	parsed, err := eventservice.ParseEventRangeRequest(data)
	c.Assert(err, IsNil)
	c.Assert(parsed["job1"].NRanges, Equals, 2)

	reply := map[string][]*eventservice.EventRange{
		"job1": {
			{ID: "job1-0", PFN: "/data/EVNT.pool.root.1"},
			{ID: "job1-1", PFN: "/data/EVNT.pool.root.1"},
		},
	}
	data, err = json.Marshal(reply)
	c.Assert(err, IsNil)
	c.Assert(ioutil.WriteFile(s.messenger.EventRangesFile(), data, 0644), IsNil)

	received := receiveRanges(c, s.queues)
	c.Assert(received["job1"], HasLen, 2)
	c.Assert(received["job1"][0].ID, Equals, "job1-0")
}

func (s *FileMessengerSuite) TestRejectsMissingEndpoint(c *C) {
	_, err := NewFileMessenger(NewQueues(), "/nonexistent/harvester/dir")
	c.Assert(err, NotNil)
}
