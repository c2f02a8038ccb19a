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

// Command psu-sim runs the regulator against the buck converter model
// without real time and prints one row per sampled tick.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"psuctl/internal/config"
	"psuctl/internal/frontend"
	"psuctl/internal/plant"
	"psuctl/internal/regulator"
	"psuctl/pkg/logger"
)

var (
	genJSONFlag  = flag.Bool("json", false, "write JSON instead of CSV")
	configFlag   = flag.String("config", "", "JSON configuration file (optional, defaults used otherwise)")
	scenarioFlag = flag.String("scenario", "", "named load scenario, overrides the config")
	durationFlag = flag.Duration("duration", 100*time.Millisecond, "simulated time")
	everyFlag    = flag.Int("every", 10, "print every nth tick")
	listFlag     = flag.Bool("l", false, "list available scenarios")
)

type row struct {
	TimeMs   float64 `json:"time_ms"`
	Seq      uint64  `json:"seq"`
	Mode     string  `json:"mode"`
	Volts    float64 `json:"volts"`
	Amps     float64 `json:"amps"`
	Duty     float64 `json:"duty"`
	Integral float64 `json:"integral"`
	Latched  bool    `json:"latched"`
}

func run() error {
	flag.Parse()

	if *listFlag {
		fmt.Println(strings.Join(plant.Names(), "\n"))
		return nil
	}
	if *everyFlag < 1 {
		return fmt.Errorf("-every must be at least 1")
	}

	// keep stdout clean for the data
	logger.SetOutput(os.Stderr)

	conf := config.Default()
	if *configFlag != "" {
		var err error
		if conf, err = config.LoadFile(*configFlag); err != nil {
			return err
		}
	}
	if *scenarioFlag != "" {
		conf.Frontend.Sim.Scenario = *scenarioFlag
	}

	rows, err := simulate(conf, *durationFlag, *everyFlag)
	if err != nil {
		return err
	}

	if *genJSONFlag {
		results, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("marshalling results: %v", err)
		}
		fmt.Println(string(results))
	} else {
		printCSV(os.Stdout, rows)
	}
	return nil
}

func simulate(conf *config.Config, d time.Duration, every int) ([]row, error) {
	cal, p, err := conf.Regulator()
	if err != nil {
		return nil, err
	}
	steps, err := conf.LoadSteps()
	if err != nil {
		return nil, err
	}
	sim, err := frontend.NewSim(cal, p.SamplePeriod, frontend.SimOptions{
		Plant:      conf.Plant(),
		Steps:      steps,
		NoiseCodes: conf.Frontend.Sim.NoiseCodes,
		Seed:       conf.Frontend.Sim.Seed,
	})
	if err != nil {
		return nil, err
	}
	core, err := regulator.NewCore(cal, p, sim, sim, sim, sim, conf.CoreOptions()...)
	if err != nil {
		return nil, err
	}
	if err := sim.Start(context.Background()); err != nil {
		return nil, err
	}
	defer sim.Close()

	n := int(d / p.SamplePeriod)
	rows := make([]row, 0, n/every+1)
	for i := range n {
		res := core.Tick()
		if i%every != 0 && !res.Tripped && !res.Recovered {
			continue
		}
		rows = append(rows, row{
			TimeMs:   float64(sim.Elapsed()) / float64(time.Millisecond),
			Seq:      res.Seq,
			Mode:     res.Mode.String(),
			Volts:    res.Volts,
			Amps:     res.Amps,
			Duty:     res.Duty,
			Integral: res.Integral,
			Latched:  res.Latched,
		})
	}
	return rows, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printCSV(w io.Writer, rows []row) {
	fmt.Fprintln(w, "Time (ms),Tick,Mode,Voltage,Current,Duty,Integral,Latched")
	for _, r := range rows {
		fmt.Fprintf(w, "%.3f,%d,%s,%.4f,%.4f,%.4f,%.6f,%t\n",
			r.TimeMs,
			r.Seq,
			r.Mode,
			r.Volts,
			r.Amps,
			r.Duty,
			r.Integral,
			r.Latched,
		)
	}
}
