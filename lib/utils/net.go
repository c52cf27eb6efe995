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

package utils

import (
	"net"

	"github.com/gravitational/trace"
)

// PickAdvertiseIP returns the first non-loopback unicast address of this
// host
func PickAdvertiseIP() (string, error) {
	blocks, err := LocalIPNetworks()
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, block := range blocks {
		if block.IP.IsLoopback() || block.IP.To4() == nil {
			continue
		}
		return block.IP.String(), nil
	}
	return "", trace.NotFound("no suitable advertise address found")
}

// LocalIPNetworks returns the list of all local IP networks
func LocalIPNetworks() (blocks []net.IPNet, err error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, addr := range addrs {
			switch block := addr.(type) {
			case *net.IPNet:
				blocks = append(blocks, *block)
			}
		}
	}
	return blocks, nil
}
