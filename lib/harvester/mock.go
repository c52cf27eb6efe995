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
	"fmt"
	"sync"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
	"github.com/pborman/uuid"
	log "github.com/sirupsen/logrus"
)

// MockConfig configures the in-process mock communicator
type MockConfig struct {
	// NJobs is the number of jobs served per job request
	NJobs int
	// NEventsPerJob is the total number of event ranges served per job
	// before the mock starts replying with empty batches
	NEventsPerJob int
	// EventsPerFile is the number of events per simulated input file
	EventsPerFile int
	// InFile is the input file advertised in the job specification
	InFile string
	// TaskID is the upstream task the served jobs belong to
	TaskID string
}

// CheckAndSetDefaults validates the config and fills in defaults
func (c *MockConfig) CheckAndSetDefaults() error {
	if c.NJobs == 0 {
		c.NJobs = 1
	}
	if c.NEventsPerJob == 0 {
		c.NEventsPerJob = 1000
	}
	if c.EventsPerFile == 0 {
		c.EventsPerFile = 50
	}
	if c.InFile == "" {
		c.InFile = "EVNT.mock.pool.root.1"
	}
	if c.TaskID == "" {
		c.TaskID = uuid.NewRandom().String()
	}
	return nil
}

// Mock is an in-process communicator serving generated fixtures. It
// exists for development runs without a harvester instance and for tests
type Mock struct {
	MockConfig
	log    log.FieldLogger
	queues *Queues
	// served tracks how many ranges have been handed out per job
	served map[string]int
	stopC  chan struct{}
	wg     sync.WaitGroup
}

func newMockFromConfig(queues *Queues, config *config.Config) (Communicator, error) {
	return NewMock(queues, MockConfig{})
}

// NewMock creates a mock communicator bound to the given queues
func NewMock(queues *Queues, config MockConfig) (*Mock, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Mock{
		MockConfig: config,
		log:        log.WithField(trace.Component, defaults.ComponentHarvester),
		queues:     queues,
		served:     make(map[string]int),
		stopC:      make(chan struct{}),
	}, nil
}

// Start starts serving requests.
// Implements Communicator
func (m *Mock) Start() error {
	m.wg.Add(1)
	go m.serve()
	return nil
}

// Stop stops the communicator.
// Implements Communicator
func (m *Mock) Stop(ctx context.Context) error {
	close(m.stopC)
	doneC := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneC)
	}()
	select {
	case <-doneC:
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

func (m *Mock) serve() {
	defer m.wg.Done()
	for {
		select {
		case request := <-m.queues.Requests:
			switch request := request.(type) {
			case eventservice.PandaJobRequest:
				m.queues.Jobs <- m.makeJobs()
			case eventservice.EventRangeRequest:
				m.queues.Ranges <- m.makeRanges(request)
			default:
				m.log.Warnf("Ignoring unexpected request %[1]T%[1]v.", request)
			}
		case <-m.stopC:
			return
		}
	}
}

func (m *Mock) makeJobs() (jobs []*eventservice.PandaJob) {
	for i := 0; i < m.NJobs; i++ {
		pandaID := fmt.Sprintf("%v", uuid.NewRandom())
		job, err := eventservice.NewPandaJob(map[string]interface{}{
			"PandaID":         pandaID,
			"taskID":          m.TaskID,
			"jobsetID":        m.TaskID,
			"prodSourceLabel": "managed",
			"inFiles":         m.InFile,
			"GUID":            uuid.NewRandom().String(),
			"scopeIn":         "mc16_13TeV",
			"nEvents":         m.NEventsPerJob,
			"eventService":    "True",
			"jobPars":         "--eventService=True",
		})
		if err != nil {
			// the generated specification always carries a PandaID
			m.log.WithError(err).Error("Failed to build mock job.")
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (m *Mock) makeRanges(request eventservice.EventRangeRequest) map[string][]*eventservice.EventRange {
	reply := make(map[string][]*eventservice.EventRange)
	for pandaID, rangeRequest := range request {
		n := rangeRequest.NRanges
		if remaining := m.NEventsPerJob - m.served[pandaID]; n > remaining {
			n = remaining
		}
		ranges := make([]*eventservice.EventRange, 0, n)
		for i := 0; i < n; i++ {
			event := m.served[pandaID] + i
			ranges = append(ranges, &eventservice.EventRange{
				ID:         fmt.Sprintf("%v-%v", pandaID, event),
				StartEvent: event%m.EventsPerFile + 1,
				LastEvent:  event%m.EventsPerFile + 1,
				PFN:        m.InFile,
				GUID:       uuid.NewRandom().String(),
				Scope:      "mc16_13TeV",
			})
		}
		m.served[pandaID] += n
		// an empty batch signals exhaustion to the bookkeeper
		reply[pandaID] = ranges
	}
	return reply
}
