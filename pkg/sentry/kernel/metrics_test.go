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
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	dto "github.com/prometheus/client_model/go"
)

// metricValue returns the value of the sample of family name whose labels
// match labels.
func metricValue(t *testing.T, families map[string]*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	family, ok := families[name]
	if !ok {
		t.Fatalf("metric %q not exported", name)
	}
	for _, m := range family.GetMetric() {
		got := make(map[string]string)
		for _, l := range m.GetLabel() {
			got[l.GetName()] = l.GetValue()
		}
		if !cmp.Equal(got, labels) {
			continue
		}
		switch family.GetType() {
		case dto.MetricType_COUNTER:
			return m.GetCounter().GetValue()
		case dto.MetricType_GAUGE:
			return m.GetGauge().GetValue()
		default:
			return m.GetUntyped().GetValue()
		}
	}
	t.Fatalf("metric %q has no sample labeled %v", name, labels)
	return 0
}

// writeOnly hides any io.StringWriter implementation of the wrapped writer.
type writeOnly struct {
	w io.Writer
}

func (w writeOnly) Write(p []byte) (int, error) {
	return w.w.Write(p)
}

func TestWriteMetrics(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := k.Exec(ctx, p, 0, progPath, []string{"prog"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := k.Exec(ctx, p, 0, "/bin/missing", nil); err == nil {
		t.Fatal("Exec of a missing path succeeded")
	}

	var buf bytes.Buffer
	if err := k.WriteMetrics(writeOnly{&buf}); err != nil {
		t.Fatalf("WriteMetrics: %v", err)
	}
	families, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exported metrics: %v", err)
	}
	if got := families["kexec_execs_total"].GetType(); got != dto.MetricType_COUNTER {
		t.Errorf("kexec_execs_total type = %v, want COUNTER", got)
	}
	for _, tc := range []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{name: "kexec_execs_total", want: 2},
		{name: "kexec_exec_failures_total", want: 1},
		{name: "kexec_generations_retired_total", want: 2},
		{name: "kexec_processes", want: 1},
		{name: "kexec_reclaimed_total", want: 0},
		{name: "kexec_work_injected_total", labels: map[string]string{"core": "0"}, want: 2},
		{name: "kexec_work_executed_total", labels: map[string]string{"core": "0"}, want: 0},
		{name: "kexec_work_injected_total", labels: map[string]string{"core": "3"}, want: 0},
	} {
		labels := tc.labels
		if labels == nil {
			labels = map[string]string{}
		}
		if got := metricValue(t, families, tc.name, labels); got != tc.want {
			t.Errorf("%s%v = %v, want %v", tc.name, tc.labels, got, tc.want)
		}
	}
	checkNoLeaks(t, k, fs, p)
}

func TestWaitIdle(t *testing.T) {
	k, fs := newTestKernel(t, nil)
	p := newTestProcess(t, k, 0)
	ctx := context.Background()
	if err := k.Exec(ctx, p, 0, progPath, nil); err != nil {
		t.Fatal(err)
	}
	// Nothing consumes the queue, so the retired generation stays queued.
	if err := k.WaitIdle(ctx, 20*time.Millisecond); err == nil {
		t.Error("WaitIdle succeeded with queued work")
	}
	k.Synchronize()
	if err := k.WaitIdle(ctx, time.Second); err != nil {
		t.Errorf("WaitIdle after Synchronize: %v", err)
	}
	checkNoLeaks(t, k, fs, p)
}

func TestConfigIsCopied(t *testing.T) {
	k, _ := newTestKernel(t, nil)
	conf := k.Config()
	if conf.Cores != 4 {
		t.Errorf("Config().Cores = %d, want 4", conf.Cores)
	}
	conf.Cores = 1
	if got := k.Config().Cores; got != 4 {
		t.Errorf("mutating a returned Config changed the kernel's: Cores = %d", got)
	}
}
