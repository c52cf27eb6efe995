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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/eventservice"
	"github.com/dougbenjamin/ray/lib/utils"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Payload supervises the child process consuming event ranges. The
// dispatcher never parses the payload's output, only the exit code is
// observed
type Payload interface {
	// Start spawns the payload process for the specified job
	Start(job *eventservice.PandaJob) error
	// Stop terminates the payload bound by the provided context
	Stop(context.Context) error
	// IsComplete returns true once the payload process has exited
	IsComplete() bool
	// ReturnCode returns the payload exit code, valid once IsComplete
	// returns true
	ReturnCode() int
}

// NewPayloadFunc creates a payload supervisor for the specified worker
type NewPayloadFunc func(workerID string, config *config.Config) (Payload, error)

// payloads maps configuration tags to payload constructors. The set is
// closed and known at build time
var payloads = map[string]NewPayloadFunc{
	PayloadPilotHTTP: newPilotProcess,
}

const (
	// PayloadPilotHTTP is the tag of the pilot payload driven over the
	// local HTTP endpoint
	PayloadPilotHTTP = "pilot2_http"
)

// NewPayload creates the payload implementation selected by the
// configuration
func NewPayload(workerID string, config *config.Config) (Payload, error) {
	newPayload, ok := payloads[config.Payload.Plugin]
	if !ok {
		return nil, trace.NotFound("unknown payload plugin %q", config.Payload.Plugin)
	}
	payload, err := newPayload(workerID, config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return payload, nil
}

// PilotProcess runs the pilot as a shell subprocess bound to the local
// HTTP endpoint
type PilotProcess struct {
	log      log.FieldLogger
	workerID string
	config   *config.Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	exitCode int
	exited   bool
	doneC    chan struct{}
}

func newPilotProcess(workerID string, config *config.Config) (Payload, error) {
	return &PilotProcess{
		log: log.WithFields(log.Fields{
			trace.Component: defaults.ComponentWorker,
			"worker":        workerID,
		}),
		workerID: workerID,
		config:   config,
	}, nil
}

// Start builds the pilot command line for the specified job and spawns
// the subprocess.
// Implements Payload
func (p *PilotProcess) Start(job *eventservice.PandaJob) error {
	command, workdir, err := p.buildCommand(job)
	if err != nil {
		return trace.Wrap(err)
	}
	p.log.Infof("Final payload command: %v.", command)
	cmd := exec.Command("/bin/bash", "-c", command)
	cmd.Dir = workdir
	// own process group so the whole shell pipeline can be signalled
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := os.Create(filepath.Join(workdir, "payload.stdout"))
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	stderr, err := os.Create(filepath.Join(workdir, "payload.stderr"))
	if err != nil {
		stdout.Close()
		return trace.ConvertSystemError(err)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return trace.Wrap(err, "failed to start payload")
	}
	p.log.Infof("Started payload subprocess %v.", cmd.Process.Pid)
	p.mu.Lock()
	p.cmd = cmd
	p.doneC = make(chan struct{})
	p.mu.Unlock()
	go func() {
		defer stdout.Close()
		defer stderr.Close()
		err := cmd.Wait()
		p.mu.Lock()
		p.exited = true
		p.exitCode = exitCode(err)
		p.mu.Unlock()
		close(p.doneC)
	}()
	return nil
}

// Stop terminates the payload: SIGTERM to the process group first, then
// SIGKILL if it has not exited before the context expires.
// Implements Payload
func (p *PilotProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, doneC, exited := p.cmd, p.doneC, p.exited
	p.mu.Unlock()
	if cmd == nil || exited {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		return trace.ConvertSystemError(err)
	}
	select {
	case <-doneC:
		return nil
	case <-ctx.Done():
	}
	p.log.Warn("Payload did not exit after SIGTERM, killing process group.")
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return trace.ConvertSystemError(err)
	}
	<-doneC
	return nil
}

// IsComplete returns true once the payload process has exited.
// Implements Payload
func (p *PilotProcess) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// ReturnCode returns the payload exit code.
// Implements Payload
func (p *PilotProcess) ReturnCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// buildCommand materializes the pilot command line: a per-worker working
// directory with the job's input files symlinked into it, an optional
// environment activation prefix and the pilot invocation binding it to
// the local HTTP endpoint. exec replaces the shell so signals reach the
// pilot directly
func (p *PilotProcess) buildCommand(job *eventservice.PandaJob) (command, workdir string, err error) {
	root := p.config.Payload.Workdir
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return "", "", trace.ConvertSystemError(err)
		}
	}
	root = os.ExpandEnv(root)
	if !utils.IsDirectory(root) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", "", trace.ConvertSystemError(err)
		}
		p.log.Warnf("Specified path %v does not exist, using %v.", root, cwd)
		root = cwd
	}
	workdir = filepath.Join(root, fmt.Sprintf("%v_%v", p.workerID, os.Getpid()))
	if err := utils.EnsureDir(workdir, defaults.SharedDirMask); err != nil {
		return "", "", trace.Wrap(err)
	}
	for _, inFile := range job.InFiles() {
		path := inFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, inFile)
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := utils.SymlinkInto(path, workdir); err != nil {
			return "", "", trace.Wrap(err)
		}
	}
	var buf strings.Builder
	condaActivate := filepath.Join(p.config.Payload.CondaBinDir, "activate")
	if p.config.Payload.VirtualEnv != "" && utils.IsFile(condaActivate) {
		fmt.Fprintf(&buf, "source %v %v; source /cvmfs/atlas.cern.ch/repo/sw/local/setup-yampl.sh; ",
			condaActivate, p.config.Payload.VirtualEnv)
	}
	pilotBin := filepath.Join(p.config.Payload.BinDir, "pilot.py")
	queue := pandaQueue(job)
	fmt.Fprintf(&buf, "exec python %v -q %v -r %v -s %v -i PR -j %v --pilot-user=ATLAS -t "+
		"-w generic --url=%v -p %v -d --allow-same-user=False --resource-type MCORE;",
		pilotBin, queue, queue, queue, job.ProdSourceLabel(),
		defaults.PilotHTTPEndpoint, defaults.PilotHTTPPort)
	return buf.String(), workdir, nil
}

// pandaQueue returns the panda queue the pilot reports against
func pandaQueue(job *eventservice.PandaJob) string {
	if site, ok := job.Get("computingSite").(string); ok && site != "" {
		return site
	}
	return "Raythena"
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}
