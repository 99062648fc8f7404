// Copyright 2025 The gVisor Authors.
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

package metric

import (
	"bytes"
	"fmt"
	"io"
	"os"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func ptr[T any](v T) *T {
	return &v
}

// family returns the current values of m as a counter family.
func (m *Uint64Metric) family() *dto.MetricFamily {
	mf := &dto.MetricFamily{
		Name: ptr(m.name),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	if m.description != "" {
		mf.Help = ptr(m.description)
	}
	for key := range m.fields {
		var labels []*dto.LabelPair
		for i, v := range m.fieldMapper.keyToMultiField(key) {
			labels = append(labels, &dto.LabelPair{
				Name:  ptr(m.fieldMapper.fields[i].name),
				Value: ptr(v),
			})
		}
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   labels,
			Counter: &dto.Counter{Value: ptr(float64(m.fields[key].Load()))},
		})
	}
	return mf
}

// Families returns a snapshot of all registered metrics.
func Families() []*dto.MetricFamily {
	var out []*dto.MetricFamily
	for _, m := range registered() {
		out = append(out, m.family())
	}
	return out
}

// Write writes all registered metrics to w in the Prometheus text format.
func Write(w io.Writer) error {
	for _, mf := range Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes all registered metrics to the named file, replacing it.
func WriteFile(path string) error {
	var buf bytes.Buffer
	if err := Write(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
