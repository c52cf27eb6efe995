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
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/cenkalti/backoff"
	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// FileMessenger exchanges requests and replies with harvester through
// agreed filenames in a shared directory. The dispatcher writes a request
// file and waits for harvester to drop the matching reply file, which is
// consumed and removed
type FileMessenger struct {
	log    log.FieldLogger
	queues *Queues
	// dir is the shared exchange directory
	dir     string
	watcher *fsnotify.Watcher
	stopC   chan struct{}
	wg      sync.WaitGroup
}

func newFileMessenger(queues *Queues, config *config.Config) (Communicator, error) {
	return NewFileMessenger(queues, config.Harvester.Endpoint)
}

// NewFileMessenger creates a file messenger exchanging files in dir
func NewFileMessenger(queues *Queues, dir string) (*FileMessenger, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !info.IsDir() {
		return nil, trace.BadParameter("harvester endpoint %v is not a directory", dir)
	}
	return &FileMessenger{
		log:    log.WithField(trace.Component, defaults.ComponentHarvester),
		queues: queues,
		dir:    dir,
		stopC:  make(chan struct{}),
	}, nil
}

// JobRequestFile returns the path of the job request file
func (m *FileMessenger) JobRequestFile() string {
	return filepath.Join(m.dir, defaults.JobRequestFile)
}

// JobSpecFile returns the path of the job specification reply file
func (m *FileMessenger) JobSpecFile() string {
	return filepath.Join(m.dir, defaults.JobSpecFile)
}

// EventRequestFile returns the path of the event range request file
func (m *FileMessenger) EventRequestFile() string {
	return filepath.Join(m.dir, defaults.EventRequestFile)
}

// EventRangesFile returns the path of the event ranges reply file
func (m *FileMessenger) EventRangesFile() string {
	return filepath.Join(m.dir, defaults.EventRangesFile)
}

// Start starts serving requests.
// Implements Communicator
func (m *FileMessenger) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return trace.Wrap(err)
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.serve()
	return nil
}

// Stop stops the communicator.
// Implements Communicator
func (m *FileMessenger) Stop(ctx context.Context) error {
	close(m.stopC)
	doneC := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(doneC)
	}()
	select {
	case <-doneC:
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
	return trace.Wrap(m.watcher.Close())
}

func (m *FileMessenger) serve() {
	defer m.wg.Done()
	for {
		select {
		case request := <-m.queues.Requests:
			var err error
			switch request := request.(type) {
			case eventservice.PandaJobRequest:
				err = m.requestJobs(request)
			case eventservice.EventRangeRequest:
				err = m.requestEventRanges(request)
			default:
				m.log.Warnf("Ignoring unexpected request %[1]T%[1]v.", request)
			}
			if err != nil {
				if isStopped(err) {
					return
				}
				m.log.WithError(err).Error("Failed to process harvester request.")
			}
		case <-m.stopC:
			return
		}
	}
}

func (m *FileMessenger) requestJobs(request eventservice.PandaJobRequest) error {
	if err := m.writeRequest(m.JobRequestFile(), request); err != nil {
		return trace.Wrap(err)
	}
	data, err := m.awaitReply(m.JobSpecFile())
	if err != nil {
		return trace.Wrap(err)
	}
	jobs, err := eventservice.ParseJobSpecs(data)
	if err != nil {
		return trace.Wrap(err)
	}
	os.Remove(m.JobRequestFile())
	m.log.Infof("Received %v jobs from harvester.", len(jobs))
	select {
	case m.queues.Jobs <- jobs:
		return nil
	case <-m.stopC:
		return errStopped
	}
}

func (m *FileMessenger) requestEventRanges(request eventservice.EventRangeRequest) error {
	if err := m.writeRequest(m.EventRequestFile(), request); err != nil {
		return trace.Wrap(err)
	}
	data, err := m.awaitReply(m.EventRangesFile())
	if err != nil {
		return trace.Wrap(err)
	}
	var reply map[string][]*eventservice.EventRange
	if err := json.Unmarshal(data, &reply); err != nil {
		return trace.Wrap(err)
	}
	os.Remove(m.EventRequestFile())
	select {
	case m.queues.Ranges <- reply:
		return nil
	case <-m.stopC:
		return errStopped
	}
}

func (m *FileMessenger) writeRequest(path string, request interface{}) error {
	data, err := json.Marshal(request)
	if err != nil {
		return trace.Wrap(err)
	}
	err = ioutil.WriteFile(path, data, defaults.SharedReadWriteMask)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	m.log.Debugf("Wrote request file %v.", path)
	return nil
}

// awaitReply waits for harvester to produce the specified reply file,
// then consumes and removes it. Filesystem notifications are backed by
// a polling ticker: events can be lost if the exchange directory lives
// on a network filesystem
func (m *FileMessenger) awaitReply(path string) ([]byte, error) {
	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = defaults.HarvesterPollInterval
	boff.MaxInterval = defaults.HarvesterPollMaxInterval
	boff.MaxElapsedTime = 0
	ticker := backoff.NewTicker(boff)
	defer ticker.Stop()
	for {
		data, err := ioutil.ReadFile(path)
		if err == nil {
			os.Remove(path)
			m.log.Debugf("Consumed reply file %v.", path)
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, trace.ConvertSystemError(err)
		}
		select {
		case <-m.watcher.Events:
		case err := <-m.watcher.Errors:
			m.log.WithError(err).Warn("Watcher error.")
		case <-ticker.C:
		case <-m.stopC:
			return nil, errStopped
		}
	}
}

var errStopped = errors.New("communicator stopped")

func isStopped(err error) bool {
	return trace.Unwrap(err) == errStopped
}
