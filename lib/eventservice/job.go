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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gravitational/trace"
)

// PandaJob is an upstream-issued job specification. Jobs are schemaless
// beyond a few well-known keys: the whole specification is forwarded
// verbatim to the payload, so unknown fields are preserved as-is.
// A job is immutable once admitted
type PandaJob struct {
	spec map[string]interface{}
}

// NewPandaJob creates a job from its upstream specification
func NewPandaJob(spec map[string]interface{}) (*PandaJob, error) {
	job := &PandaJob{spec: spec}
	if job.ID() == "" {
		return nil, trace.BadParameter("job specification has no PandaID: %v", spec)
	}
	return job, nil
}

// ID returns the job's PandaID
func (j *PandaJob) ID() string {
	return j.stringField("PandaID")
}

// TaskID returns the upstream task this job belongs to
func (j *PandaJob) TaskID() string {
	return j.stringField("taskID")
}

// JobsetID returns the upstream jobset this job belongs to
func (j *PandaJob) JobsetID() string {
	return j.stringField("jobsetID")
}

// ProdSourceLabel returns the job's production source label
func (j *PandaJob) ProdSourceLabel() string {
	return j.stringField("prodSourceLabel")
}

// InFiles returns the job's input files
func (j *PandaJob) InFiles() []string {
	files := j.stringField("inFiles")
	if files == "" {
		return nil
	}
	return strings.Split(files, ",")
}

// Get returns the raw value of the specified specification field
func (j *PandaJob) Get(key string) interface{} {
	return j.spec[key]
}

// MarshalJSON serializes the job back to the upstream schema.
// Implements json.Marshaler
func (j *PandaJob) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.spec)
}

// UnmarshalJSON loads the job from the upstream schema.
// Implements json.Unmarshaler
func (j *PandaJob) UnmarshalJSON(data []byte) error {
	var spec map[string]interface{}
	if err := json.Unmarshal(data, &spec); err != nil {
		return trace.Wrap(err)
	}
	j.spec = spec
	return nil
}

// String returns a short description of this job
func (j *PandaJob) String() string {
	return fmt.Sprintf("job(%v)", j.ID())
}

// stringField returns the specified field formatted as a string.
// Upstream serializes numeric identifiers either as numbers or strings
// depending on the producer
func (j *PandaJob) stringField(key string) string {
	value, ok := j.spec[key]
	if !ok || value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// json decodes all numbers as float64, identifiers are integral
		return fmt.Sprintf("%d", int64(v))
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("%v", value)
}

// ParseJobSpecs parses a batch of job specifications keyed by PandaID,
// as harvester delivers them
func ParseJobSpecs(data []byte) ([]*PandaJob, error) {
	var specs map[string]map[string]interface{}
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, trace.Wrap(err)
	}
	jobs := make([]*PandaJob, 0, len(specs))
	for pandaID, spec := range specs {
		if _, ok := spec["PandaID"]; !ok {
			spec["PandaID"] = pandaID
		}
		job, err := NewPandaJob(spec)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
