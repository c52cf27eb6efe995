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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dougbenjamin/ray/lib/config"
	"github.com/dougbenjamin/ray/lib/defaults"
	"github.com/dougbenjamin/ray/lib/driver"
	"github.com/dougbenjamin/ray/lib/utils"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	app := kingpin.New("raythena", "Event service dispatcher for ATLAS payloads")
	if err := run(app); err != nil {
		log.Error(trace.DebugReport(err))
		fmt.Fprintln(os.Stderr, "ERROR:", trace.UserMessage(err))
		os.Exit(255)
	}
}

func run(app *kingpin.Application) error {
	var (
		configPath   = app.Flag("config", "Path to the configuration file").Required().String()
		debug        = app.Flag("debug", "Enable debug logging").Bool()
		payloadBin   = app.Flag("payload-bindir", "Override payload.bindir").String()
		payloadVenv  = app.Flag("payload-virtualenv", "Override payload.virtualenv").String()
		condaBin     = app.Flag("conda-bindir", "Override payload.condabindir").String()
		endpoint     = app.Flag("harvester-endpoint", "Override harvester.endpoint").String()
		communicator = app.Flag("harvester-communicator", "Override harvester.communicator").String()
		headIP       = app.Flag("ray-headip", "Override ray.headip").String()
		rayWorkdir   = app.Flag("ray-workdir", "Override ray.workdir").String()
		corePerNode  = app.Flag("core-per-node", "Override resources.corepernode").Int()
		logFile      = app.Flag("log-file", "Override logging.logfile").String()
	)
	if _, err := app.Parse(os.Args[1:]); err != nil {
		return trace.Wrap(err)
	}

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	applyOverride(&cfg.Payload.BinDir, *payloadBin)
	applyOverride(&cfg.Payload.VirtualEnv, *payloadVenv)
	applyOverride(&cfg.Payload.CondaBinDir, *condaBin)
	applyOverride(&cfg.Harvester.Endpoint, *endpoint)
	applyOverride(&cfg.Harvester.Communicator, *communicator)
	applyOverride(&cfg.Ray.HeadIP, *headIP)
	applyOverride(&cfg.Ray.Workdir, *rayWorkdir)
	applyOverride(&cfg.Logging.LogFile, *logFile)
	if *corePerNode != 0 {
		cfg.Resources.CorePerNode = *corePerNode
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if err := utils.InitLogging(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		return trace.Wrap(err)
	}

	dispatcher, err := driver.New(driver.Config{Config: cfg})
	if err != nil {
		return trace.Wrap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	utils.WatchTerminationSignals(ctx, cancel, dispatcher,
		log.WithField(trace.Component, defaults.ComponentDriver))
	return trace.Wrap(dispatcher.Run())
}

func applyOverride(target *string, value string) {
	if value != "" {
		*target = value
	}
}
