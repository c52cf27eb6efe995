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
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

type PayloadSuite struct{}

var _ = Suite(&PayloadSuite{})

func (s *PayloadSuite) TestRegistry(c *C) {
	config := testConfig(c)
	payload, err := NewPayload("w1", config)
	c.Assert(err, IsNil)
	c.Assert(payload, NotNil)

	config.Payload.Plugin = "carrier-pigeon"
	_, err = NewPayload("w1", config)
	c.Assert(err, NotNil)
	c.Assert(trace.IsNotFound(err), Equals, true)
}

func (s *PayloadSuite) TestBuildCommand(c *C) {
	config := testConfig(c)
	root := c.MkDir()
	config.Payload.Workdir = root
	inFile := filepath.Join(root, "EVNT.pool.root.1")
	c.Assert(ioutil.WriteFile(inFile, []byte("events"), 0644), IsNil)

	payload, err := NewPayload("w1", config)
	c.Assert(err, IsNil)
	pilot := payload.(*PilotProcess)

	job := testJob(c, "job1")
	command, workdir, err := pilot.buildCommand(job)
	c.Assert(err, IsNil)

	// the working directory is keyed by worker and process
	c.Assert(workdir, Equals, filepath.Join(root, fmt.Sprintf("w1_%v", os.Getpid())))
	info, err := os.Stat(workdir)
	c.Assert(err, IsNil)
	c.Assert(info.IsDir(), Equals, true)

	// input files are symlinked into the working directory
	link, err := os.Readlink(filepath.Join(workdir, "EVNT.pool.root.1"))
	c.Assert(err, IsNil)
	c.Assert(link, Equals, inFile)

	// the pilot is exec'ed and pointed at the local endpoint
	c.Assert(strings.HasPrefix(command, "exec python "), Equals, true)
	c.Assert(strings.Contains(command, filepath.Join(config.Payload.BinDir, "pilot.py")), Equals, true)
	c.Assert(strings.Contains(command, "--url=http://127.0.0.1 -p 8080"), Equals, true)
	c.Assert(strings.Contains(command, "-j managed"), Equals, true)
}

func (s *PayloadSuite) TestBuildCommandFallsBackToCwd(c *C) {
	config := testConfig(c)
	config.Payload.Workdir = "/nonexistent/payload/root"
	payload, err := NewPayload("w1", config)
	c.Assert(err, IsNil)
	pilot := payload.(*PilotProcess)

	_, workdir, err := pilot.buildCommand(testJob(c, "job1"))
	c.Assert(err, IsNil)
	cwd, err := os.Getwd()
	c.Assert(err, IsNil)
	c.Assert(filepath.Dir(workdir), Equals, cwd)
	os.RemoveAll(workdir)
}
