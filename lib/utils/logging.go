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
	"io"
	"os"

	"github.com/dougbenjamin/ray/lib/defaults"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// InitLogging initializes logging at the specified level, writing to
// stderr and, if logFile is set, to the file as well
func InitLogging(level, logFile string) error {
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return trace.BadParameter("unknown log level %q", level)
	}
	log.SetLevel(logLevel)
	log.SetFormatter(&trace.TextFormatter{})
	if logFile == "" {
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, defaults.SharedReadWriteMask)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}
