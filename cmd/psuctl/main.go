// Copyright (C) 2025 Josh Simonot
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"psuctl/internal/config"
	"psuctl/internal/events"
	"psuctl/internal/frontend"
	"psuctl/internal/loop"
	"psuctl/internal/regulator"
	"psuctl/internal/telemetry"
	"psuctl/pkg/appctx"
	"psuctl/pkg/eventbus"
	"psuctl/pkg/logger"
	"psuctl/pkg/rootserv"
	"psuctl/pkg/service"
	"psuctl/pkg/sysmon"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		code = 1
	}
	logger.Close()
	os.Exit(code)
}

func run() (int, error) {
	rootdir := os.Getenv("PROJECT_ROOT")
	if rootdir == "" {
		rootdir = "."
	}
	configPath := flag.String("config", filepath.Join(rootdir, "var/config/psuctl.json"), "JSON configuration file")
	flag.Parse()

	log := logger.New("Main")
	logPath := filepath.Join(rootdir, "var/logs/psuctl.log")
	if err := logger.Init(logPath); err != nil {
		log.Warn("logging to stdout only: %v", err)
	}

	appConf, err := config.LoadFile(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("%s not found, using defaults", *configPath)
		appConf, err = config.Default(), nil
	}
	if err != nil {
		return 1, err
	}
	if !filepath.IsAbs(appConf.Frontend.ModbusConfig) {
		appConf.Frontend.ModbusConfig = filepath.Join(rootdir, appConf.Frontend.ModbusConfig)
	}

	// use conf to pass eventbus to whoever needs it
	appConf.EventBus = eventbus.New()
	appConf.DataDir = filepath.Join(rootdir, "var/cache")
	appConf.RootDir = rootdir
	defer appConf.EventBus.Close()

	cal, params, err := appConf.Regulator()
	if err != nil {
		return 1, err
	}

	fe, err := frontend.New(appConf)
	if err != nil {
		return 1, err
	}

	ctx, ctxCancel := appctx.New()
	defer ctxCancel()

	if err := fe.Start(ctx); err != nil {
		return 1, err
	}
	// runs after every service has stopped, so the loop has already
	// commanded zero duty
	defer func() {
		if err := fe.Close(); err != nil {
			log.Error("frontend close: %v", err)
		}
	}()

	core, err := regulator.NewCore(cal, params, fe, fe, fe, fe, appConf.CoreOptions()...)
	if err != nil {
		return 1, err
	}
	log.Info("%s frontend, setpoint %.2fV, gains %s (kp=%v ki=%v), period %v, filter %v",
		appConf.Frontend.Kind, params.Setpoint, appConf.Control.GainSet, params.Kp, params.Ki,
		params.SamplePeriod, appConf.Filter.Enabled)

	// init services
	faults := events.NewFaultLog(appConf.Telemetry.FaultLogDepth)
	controlLoop := loop.New(core, fe, appConf.EventBus, faults, appConf.TelemetryInterval())
	telemetryService := telemetry.New(appConf.EventBus, telemetry.Options{
		HistoryLen:  appConf.Telemetry.HistoryLen,
		StatsWindow: appConf.Telemetry.StatsWindow,
		MaxClients:  appConf.Telemetry.MaxWSClients,
		Broadcast:   appConf.TelemetryBroadcast(),
		Faults:      faults,
	})
	sysMonitorService := sysmon.New()
	sysMonitorService.AddSection("loop", func() map[string]any {
		return controlLoop.Stats().Map()
	})
	sysMonitorService.AddSection("eventbus", func() map[string]any {
		st := appConf.EventBus.Stats()
		return map[string]any{
			"published": st.Published,
			"delivered": st.Delivered,
			"replaced":  st.Replaced,
			"dropped":   st.Dropped,
		}
	})
	server := rootserv.New(appConf.HTTPAddr)

	// attach web handler enabled services
	server.Attach("/logger", "Logger", logger.WebService("/logger"))
	server.Attach("/monitor", "System Monitor", sysMonitorService)
	server.Attach("/telemetry", "Regulator Telemetry", telemetryService.Handler())
	if h, ok := fe.(http.Handler); ok {
		server.Attach("/frontend", "Frontend Registers", h)
	}

	// start runnable services
	exitCh := service.Start(ctx, ctxCancel, []service.Runnable{
		controlLoop,
		telemetryService,
		server,
	})

	// waits for all services to stop
	return <-exitCh, nil
}
