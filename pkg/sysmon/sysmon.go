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

// Package sysmon reports host resource usage alongside any extra
// sections registered by the application.
package sysmon

import (
	"encoding/json"
	"html/template"
	"net/http"
	"os"
	"runtime"
	"sort"
	"sync"

	"psuctl/pkg/logger"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type Service struct {
	dir string
	log *logger.Logger

	mu       sync.Mutex
	sections map[string]func() map[string]any
}

func New() *Service {
	dir, err := os.Getwd()
	if err != nil {
		dir = "/"
	}
	return &Service{
		log:      logger.New("System Monitor"),
		dir:      dir,
		sections: map[string]func() map[string]any{},
	}
}

// AddSection registers a named group of values reported on every request.
func (s *Service) AddSection(name string, fn func() map[string]any) {
	s.mu.Lock()
	s.sections[name] = fn
	s.mu.Unlock()
}

// Snapshot gathers host, process and registered section values.
func (s *Service) Snapshot() map[string]any {
	// System-wide CPU and memory
	cpuPercent := 0.0
	if pl, err := cpu.Percent(0, false); err == nil && len(pl) > 0 {
		cpuPercent = pl[0]
	}

	var memTotal, memUsed, memFree uint64
	if vmem, err := mem.VirtualMemory(); err == nil {
		memTotal, memUsed, memFree = vmem.Total, vmem.Used, vmem.Available
	} else {
		s.log.Debug("virtual memory: %v", err)
	}
	totalDisk, freeDisk, usedDisk, err := DiskUsage(s.dir)
	if err != nil {
		s.log.Debug("disk usage: %v", err)
	}

	// Current process stats
	var procMem uint64
	var procCPU float64
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := p.MemoryInfo(); err == nil {
			procMem = memInfo.RSS
		}
		if pc, err := p.CPUPercent(); err == nil {
			procCPU = pc
		}
	}

	metrics := map[string]any{
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
		"cpu": map[string]any{
			"system_percent":  cpuPercent,
			"process_percent": procCPU,
		},
		"memory": map[string]any{
			"system_total": memTotal,
			"system_used":  memUsed,
			"system_free":  memFree,
			"process_rss":  procMem,
		},
		"disk": map[string]any{
			"total": totalDisk,
			"used":  usedDisk,
			"free":  freeDisk,
		},
	}

	s.mu.Lock()
	for name, fn := range s.sections {
		metrics[name] = fn()
	}
	s.mu.Unlock()
	return metrics
}

type row struct {
	Key   string
	Value any
}

type section struct {
	Name string
	Rows []row
}

var page = template.Must(template.New("sysmon").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>System Monitor</title>
	<style>
		body { font-family: sans-serif; margin: 2em; background: #f9f9f9; }
		table { border-collapse: collapse; width: 60%; margin-top: 1em; }
		th, td { border: 1px solid #ccc; padding: 0.6em 1em; text-align: left; }
		th { background: #eee; }
	</style>
</head>
<body>
	<h1>System Monitor</h1>
	<p>Go {{.Version}}, {{.Goroutines}} goroutines</p>
	{{range .Sections}}
	<h2>{{.Name}}</h2>
	<table>
		{{range .Rows}}<tr><th>{{.Key}}</th><td>{{.Value}}</td></tr>{{end}}
	</table>
	{{end}}
</body>
</html>
`))

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics := s.Snapshot()

	// JSON API
	if r.Header.Get("Accept") == "application/json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(metrics)
		return
	}

	// HTML dashboard
	var sections []section
	for name, v := range metrics {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		sec := section{Name: name}
		for k, val := range m {
			sec.Rows = append(sec.Rows, row{Key: k, Value: val})
		}
		sort.Slice(sec.Rows, func(i, j int) bool { return sec.Rows[i].Key < sec.Rows[j].Key })
		sections = append(sections, sec)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Name < sections[j].Name })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := page.Execute(w, map[string]any{
		"Version":    metrics["go_version"],
		"Goroutines": metrics["goroutines"],
		"Sections":   sections,
	})
	if err != nil {
		s.log.Error("render: %v", err)
	}
}
