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
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// shim is the local HTTP endpoint the payload talks to. It mimics the
// upstream job server protocol, answering from state the worker received
// from the driver
type shim struct {
	log      log.FieldLogger
	worker   *Worker
	server   *http.Server
	listener net.Listener
}

func newShim(worker *Worker) *shim {
	s := &shim{
		log: log.WithFields(log.Fields{
			trace.Component: defaults.ComponentShim,
			"worker":        worker.ID(),
		}),
		worker: worker,
	}
	router := httprouter.New()
	// the pilot is not consistent about request methods, accept both
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		router.Handle(method, "/server/panda/getJob", s.handleGetJob)
		router.Handle(method, "/server/panda/updateJob", s.handleUpdateJob)
		router.Handle(method, "/server/panda/getEventRanges", s.handleGetEventRanges)
		router.Handle(method, "/server/panda/updateEventRanges", s.handleUpdateEventRanges)
		router.Handle(method, "/server/panda/getStatus", s.handleNotImplemented)
		router.Handle(method, "/server/panda/getKeyPair", s.handleNotImplemented)
		router.Handle(method, "/server/panda/updateJobsInBulk", s.handleNotImplemented)
	}
	s.server = &http.Server{Handler: router}
	return s
}

// start binds the shim to the specified address and starts serving
func (s *shim) start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return trace.Wrap(err, "failed to bind pilot endpoint on %v", addr)
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("Pilot endpoint closed.")
		}
	}()
	s.log.Infof("Serving pilot endpoint on %v.", listener.Addr())
	return nil
}

// addr returns the address the shim is bound to
func (s *shim) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// stop gracefully shuts the shim down
func (s *shim) stop(ctx context.Context) error {
	return trace.Wrap(s.server.Shutdown(ctx))
}

func (s *shim) handleGetJob(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	job := s.worker.currentJob()
	s.log.Debugf("Serving job %v.", job)
	writeJSON(w, job)
}

func (s *shim) handleUpdateJob(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := normalizeBody(r)
	if err != nil {
		writeError(w, trace.Wrap(err))
		return
	}
	s.worker.pushUpdate(eventservice.UpdateJob, data)
	// upstream intent is unclear here, the body is echoed back while the
	// update is still surfaced to the driver
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *shim) handleGetEventRanges(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := normalizeBody(r)
	if err != nil {
		writeError(w, trace.Wrap(err))
		return
	}
	request, err := parseShimRangeRequest(data)
	if err != nil {
		writeError(w, trace.Wrap(err))
		return
	}
	ranges := s.worker.serveRanges(request)
	s.log.Debugf("Serving %v event ranges.", len(ranges))
	writeJSON(w, ranges)
}

func (s *shim) handleUpdateEventRanges(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	data, err := normalizeBody(r)
	if err != nil {
		writeError(w, trace.Wrap(err))
		return
	}
	s.worker.pushUpdate(eventservice.UpdateEventRanges, data)
	writeJSON(w, map[string]interface{}{"StatusCode": 0})
}

func (s *shim) handleNotImplemented(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.log.Debugf("Rejecting unimplemented %v.", r.URL.Path)
	http.Error(w, "not implemented", http.StatusNotImplemented)
}

// normalizeBody reads the request body and converts it to a JSON object.
// The pilot sends both form-encoded and JSON bodies depending on the
// endpoint and version
func normalizeBody(r *http.Request) ([]byte, error) {
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if len(body) == 0 {
		return []byte("{}"), nil
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") ||
		(len(body) > 0 && body[0] == '{') {
		var object map[string]interface{}
		if err := json.Unmarshal(body, &object); err != nil {
			return nil, trace.BadParameter("malformed request body: %v", err)
		}
		return body, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, trace.BadParameter("malformed request body: %v", err)
	}
	object := make(map[string]interface{}, len(values))
	for key, value := range values {
		list := make([]interface{}, 0, len(value))
		for _, v := range value {
			list = append(list, v)
		}
		object[key] = list
	}
	data, err := json.Marshal(object)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// parseShimRangeRequest builds an event range request from the body the
// pilot sends to getEventRanges: either flat pandaID/nRanges fields or a
// full request mapping
func parseShimRangeRequest(data []byte) (eventservice.EventRangeRequest, error) {
	var flat struct {
		PandaID  []string `json:"pandaID"`
		NRanges  []string `json:"nRanges"`
		TaskID   []string `json:"taskID"`
		JobsetID []string `json:"jobsetID"`
	}
	if err := json.Unmarshal(data, &flat); err == nil && len(flat.PandaID) > 0 {
		request := eventservice.NewEventRangeRequest()
		nRanges := 1
		if len(flat.NRanges) > 0 {
			n, err := strconv.Atoi(flat.NRanges[0])
			if err != nil {
				return nil, trace.BadParameter("invalid nRanges %q", flat.NRanges[0])
			}
			nRanges = n
		}
		request.AddEventRequest(flat.PandaID[0], nRanges, first(flat.TaskID), first(flat.JobsetID))
		return request, nil
	}
	request, err := eventservice.ParseEventRangeRequest(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return request, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if trace.IsBadParameter(err) {
		status = http.StatusBadRequest
	}
	http.Error(w, trace.UserMessage(err), status)
}
