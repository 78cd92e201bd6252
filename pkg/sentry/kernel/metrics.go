// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kernel

import (
	"io"
	"strconv"
	"strings"

	"gvisor.dev/gvisor/pkg/prometheus"
)

// metricsPrefix is prepended to every exported metric name.
const metricsPrefix = "kexec_"

var (
	execsMetric = &prometheus.Metric{
		Name: "execs_total",
		Type: prometheus.TypeCounter,
		Help: "Execs that committed a new image.",
	}
	failuresMetric = &prometheus.Metric{
		Name: "exec_failures_total",
		Type: prometheus.TypeCounter,
		Help: "Execs that failed and left the process unchanged.",
	}
	retiredMetric = &prometheus.Metric{
		Name: "generations_retired_total",
		Type: prometheus.TypeCounter,
		Help: "Image generations handed to a core for release.",
	}
	processesMetric = &prometheus.Metric{
		Name: "processes",
		Type: prometheus.TypeGauge,
		Help: "Live processes.",
	}
	committedMetric = &prometheus.Metric{
		Name: "committed_pages",
		Type: prometheus.TypeGauge,
		Help: "Pages charged against the memory budget.",
	}
	residentMetric = &prometheus.Metric{
		Name: "resident_pages",
		Type: prometheus.TypeGauge,
		Help: "Pages with backing memory.",
	}
	regionsMetric = &prometheus.Metric{
		Name: "live_regions",
		Type: prometheus.TypeGauge,
		Help: "Regions not yet destroyed.",
	}
	epochMetric = &prometheus.Metric{
		Name: "epoch",
		Type: prometheus.TypeGauge,
		Help: "Current global reclamation epoch.",
	}
	freedMetric = &prometheus.Metric{
		Name: "reclaimed_total",
		Type: prometheus.TypeCounter,
		Help: "Retired objects whose destructors have run.",
	}
	pendingMetric = &prometheus.Metric{
		Name: "reclaim_pending",
		Type: prometheus.TypeGauge,
		Help: "Retired objects awaiting a grace period.",
	}
	injectedMetric = &prometheus.Metric{
		Name: "work_injected_total",
		Type: prometheus.TypeCounter,
		Help: "Work items injected into a core's queue.",
	}
	executedMetric = &prometheus.Metric{
		Name: "work_executed_total",
		Type: prometheus.TypeCounter,
		Help: "Work items a core has run.",
	}
)

// Snapshot returns k's counters as a Prometheus snapshot.
func (k *Kernel) Snapshot() *prometheus.Snapshot {
	s := k.Stats()
	snap := prometheus.NewSnapshot().Add(
		prometheus.NewIntData(execsMetric, int64(s.Execs)),
		prometheus.NewIntData(failuresMetric, int64(s.Failures)),
		prometheus.NewIntData(retiredMetric, int64(s.Retired)),
		prometheus.NewIntData(processesMetric, int64(s.Processes)),
		prometheus.NewIntData(committedMetric, int64(s.Committed)),
		prometheus.NewIntData(residentMetric, s.Resident),
		prometheus.NewIntData(regionsMetric, s.LiveRegions),
		prometheus.NewIntData(epochMetric, int64(s.Epoch.Epoch)),
		prometheus.NewIntData(freedMetric, int64(s.Epoch.Freed)),
		prometheus.NewIntData(pendingMetric, int64(s.Epoch.Pending)),
	)
	for core := 0; core < k.cpus.NumCores(); core++ {
		injected, executed := k.cpus.Stats(core)
		labels := map[string]string{"core": strconv.Itoa(core)}
		snap.Add(
			prometheus.LabeledIntData(injectedMetric, labels, int64(injected)),
			prometheus.LabeledIntData(executedMetric, labels, int64(executed)),
		)
	}
	return snap
}

// WriteMetrics writes k's counters to w in the Prometheus text format.
func (k *Kernel) WriteMetrics(w io.Writer) error {
	var sb strings.Builder
	if _, err := prometheus.Write(&sb, prometheus.ExportOptions{
		CommentHeader: "kexec kernel counters",
	}, map[*prometheus.Snapshot]prometheus.SnapshotExportOptions{
		k.Snapshot(): {ExporterPrefix: metricsPrefix},
	}); err != nil {
		return err
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
