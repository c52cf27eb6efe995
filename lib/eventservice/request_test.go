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

	. "gopkg.in/check.v1"
)

type RequestSuite struct{}

var _ = Suite(&RequestSuite{})

func (s *RequestSuite) TestRequestRoundtrip(c *C) {
	request := NewEventRangeRequest()
	request.AddEventRequest("job1", 8, "task1", "jobset1")
	data, err := request.Marshal()
	c.Assert(err, IsNil)

	parsed, err := ParseEventRangeRequest(data)
	c.Assert(err, IsNil)
	c.Assert(parsed["job1"].NRanges, Equals, 8)
	c.Assert(parsed["job1"].TaskID, Equals, "task1")
	c.Assert(parsed["job1"].JobsetID, Equals, "jobset1")
}

func (s *RequestSuite) TestRequestAcceptsStringAndNumericFields(c *C) {
	// the pilot serializes nRanges and the identifiers inconsistently
	parsed, err := ParseEventRangeRequest([]byte(
		`{"job1": {"nRanges": "16", "taskID": 42, "jobsetID": "7"}}`))
	c.Assert(err, IsNil)
	c.Assert(parsed["job1"].NRanges, Equals, 16)
	c.Assert(parsed["job1"].TaskID, Equals, "42")
	c.Assert(parsed["job1"].JobsetID, Equals, "7")

	_, err = ParseEventRangeRequest([]byte(`{}`))
	c.Assert(err, NotNil)

	_, err = ParseEventRangeRequest([]byte(`{"job1": {"nRanges": "many"}}`))
	c.Assert(err, NotNil)
}

func (s *RequestSuite) TestBuildRangeUpdate(c *C) {
	entries := []RangeUpdate{
		{EventRangeID: "job1-0", EventStatus: EventStatusFinished},
		{EventRangeID: "job1-1", EventStatus: EventStatusRunning},
	}
	encoded, err := json.Marshal(entries)
	c.Assert(err, IsNil)

	// the pilot double-encodes the entries as a string inside the body
	body, err := json.Marshal(map[string]interface{}{
		"eventRanges": []string{string(encoded)},
	})
	c.Assert(err, IsNil)
	update, err := BuildRangeUpdate("job1", body)
	c.Assert(err, IsNil)
	c.Assert(update["job1"], DeepEquals, entries)

	// a plain array is accepted as well
	body, err = json.Marshal(map[string]interface{}{
		"eventRanges": []interface{}{entries},
	})
	c.Assert(err, IsNil)
	update, err = BuildRangeUpdate("job1", body)
	c.Assert(err, IsNil)
	c.Assert(update["job1"], DeepEquals, entries)

	_, err = BuildRangeUpdate("job1", []byte(`{"eventRanges": []}`))
	c.Assert(err, NotNil)
	_, err = BuildRangeUpdate("job1", []byte(`not json`))
	c.Assert(err, NotNil)
}

func (s *RequestSuite) TestRangeUpdateStateMapping(c *C) {
	c.Assert(RangeUpdate{EventStatus: EventStatusRunning}.State(), Equals, RangeRunning)
	c.Assert(RangeUpdate{EventStatus: EventStatusFinished}.State(), Equals, RangeDone)
	c.Assert(RangeUpdate{EventStatus: EventStatusFailed}.State(), Equals, RangeFailed)
	c.Assert(RangeUpdate{EventStatus: EventStatusFatal}.State(), Equals, RangeFailed)
	c.Assert(RangeUpdate{EventStatus: "bogus"}.State(), Equals, RangeState(""))
}
