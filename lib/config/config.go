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

// Package config loads and validates the dispatcher configuration file
package config

import (
	"io/ioutil"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
)

// Config is the dispatcher configuration
type Config struct {
	// Payload configures the payload subprocess
	Payload Payload `json:"payload"`
	// Harvester configures the upstream communicator
	Harvester Harvester `json:"harvester"`
	// Ray configures the cluster bootstrap
	Ray Ray `json:"ray"`
	// Resources configures per-node resources
	Resources Resources `json:"resources"`
	// Logging configures the log output
	Logging Logging `json:"logging"`
}

// Payload configures the payload subprocess
type Payload struct {
	// Plugin selects the payload implementation
	Plugin string `json:"plugin"`
	// VirtualEnv is the environment activated before the payload starts
	VirtualEnv string `json:"virtualenv"`
	// BinDir is the directory holding the payload binary
	BinDir string `json:"bindir"`
	// Workdir is the root under which per-worker directories are created,
	// defaults to the process working directory
	Workdir string `json:"workdir,omitempty"`
	// CondaBinDir is the conda installation used to activate VirtualEnv
	CondaBinDir string `json:"condabindir,omitempty"`
}

// Harvester configures the upstream communicator
type Harvester struct {
	// Endpoint is the harvester exchange point, a directory for the
	// file messenger
	Endpoint string `json:"endpoint"`
	// Communicator selects the communicator implementation
	Communicator string `json:"communicator"`
	// HarvesterConf is the path to the harvester-side configuration
	HarvesterConf string `json:"harvesterconf"`
	// EventService indicates whether jobs are sliced into event ranges,
	// defaults to true
	EventService *bool `json:"eventservice,omitempty"`
}

// Ray configures the cluster bootstrap
type Ray struct {
	// Workdir is the cluster working directory
	Workdir string `json:"workdir"`
	// HeadIP is the address of the cluster head node
	HeadIP string `json:"headip"`
	// RedisPort is the port of the cluster state store
	RedisPort int `json:"redisport"`
	// RedisPassword authenticates against the cluster state store
	RedisPassword string `json:"redispassword"`
	// VirtualEnv is the environment the cluster processes run in
	VirtualEnv string `json:"virtualenv"`
	// Driver selects the driver implementation
	Driver string `json:"driver"`
}

// Resources configures per-node resources
type Resources struct {
	// CorePerNode is the number of cores available to a payload on
	// each node
	CorePerNode int `json:"corepernode"`
	// WorkerPerNode is the number of worker actors per node
	WorkerPerNode int `json:"workerpernode,omitempty"`
}

// Logging configures the log output
type Logging struct {
	// Level is the log verbosity
	Level string `json:"level"`
	// LogFile is the file logs are written to in addition to stderr
	LogFile string `json:"logfile"`
}

// sections are the recognized top-level configuration sections
var sections = map[string]bool{
	"payload":   true,
	"harvester": true,
	"ray":       true,
	"resources": true,
	"logging":   true,
}

// ReadConfig loads and validates the configuration from the specified path
func ReadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, trace.BadParameter("no configuration file specified")
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	config, err := parse(data)
	if err != nil {
		return nil, trace.Wrap(err, "failed to parse configuration file %v", path)
	}
	return config, nil
}

func parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	for section := range raw {
		if !sections[section] {
			return nil, trace.BadParameter("unknown configuration section %q", section)
		}
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &config, nil
}

// CheckAndSetDefaults validates the configuration and fills in defaults
func (c *Config) CheckAndSetDefaults() error {
	for _, field := range []struct {
		value, path string
	}{
		{c.Payload.Plugin, "payload.plugin"},
		{c.Payload.BinDir, "payload.bindir"},
		{c.Harvester.Endpoint, "harvester.endpoint"},
		{c.Harvester.Communicator, "harvester.communicator"},
		{c.Logging.Level, "logging.level"},
	} {
		if field.value == "" {
			return trace.BadParameter("missing configuration parameter %q", field.path)
		}
	}
	if c.Resources.CorePerNode <= 0 {
		return trace.BadParameter("missing configuration parameter %q", "resources.corepernode")
	}
	if c.Resources.WorkerPerNode == 0 {
		c.Resources.WorkerPerNode = 1
	}
	if c.Harvester.EventService == nil {
		eventService := true
		c.Harvester.EventService = &eventService
	}
	return nil
}

// IsEventService returns true if jobs are sliced into event ranges
func (c *Config) IsEventService() bool {
	return c.Harvester.EventService == nil || *c.Harvester.EventService
}
