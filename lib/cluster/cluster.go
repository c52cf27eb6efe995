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

// Package cluster answers the driver's resource query: how many worker
// actors to create and where. IP discovery and resource advertisement
// stay outside the dispatch core
package cluster

import (
	"fmt"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/utils"

	"github.com/gravitational/trace"
)

// Slot describes one worker actor to create
type Slot struct {
	// Node is the address of the node the worker runs on
	Node string
	// WorkerID is the identifier of the worker occupying the slot
	WorkerID string
}

// Interface is the cluster resource query consumed by the driver
type Interface interface {
	// Slots returns one slot per worker actor to create
	Slots() ([]Slot, error)
}

// New creates the cluster view for the given configuration. Without an
// external cluster configured the dispatcher runs its workers on the
// local node only
func New(config *config.Config) (Interface, error) {
	node := config.Ray.HeadIP
	if node == "" {
		ip, err := utils.PickAdvertiseIP()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		node = ip
	}
	return &static{
		nodes:         []string{node},
		workerPerNode: config.Resources.WorkerPerNode,
	}, nil
}

// static derives the worker slots from configuration alone
type static struct {
	nodes         []string
	workerPerNode int
}

// Slots returns workerPerNode slots for every known node.
// Implements Interface
func (c *static) Slots() ([]Slot, error) {
	if len(c.nodes) == 0 {
		return nil, trace.NotFound("no nodes available for workers")
	}
	var slots []Slot
	for _, node := range c.nodes {
		for i := 0; i < c.workerPerNode; i++ {
			slots = append(slots, Slot{
				Node:     node,
				WorkerID: fmt.Sprintf("Actor_%v_%v", node, i),
			})
		}
	}
	return slots, nil
}
