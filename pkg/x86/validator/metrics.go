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

package validator

import (
	"gvisor.dev/sfi/pkg/metric"
	"gvisor.dev/sfi/pkg/x86/opcode"
)

var instTypeField = func() metric.Field {
	names := make([]string, opcode.NumInstTypes)
	for i := range names {
		names[i] = opcode.InstType(i).String()
	}
	return metric.NewField("type", names)
}()

var (
	segmentsValidated = metric.MustCreateNewUint64Metric("sfi_validator_segments_total", "Code segments checked by the validator.")
	segmentsRejected  = metric.MustCreateNewUint64Metric("sfi_validator_segments_rejected_total", "Code segments the validator rejected.")
	cacheHits         = metric.MustCreateNewUint64Metric("sfi_validator_cache_hits_total", "Code segments found in the validation cache.")
	instsStubbed      = metric.MustCreateNewUint64Metric("sfi_validator_stubbed_total", "Instructions replaced with HLT.")
	instsValidated    = metric.MustCreateNewUint64Metric("sfi_validator_instructions_total", "Instructions decoded by the validator, by category.", instTypeField)
)

// Record adds s to the process-wide validator metrics.
func (s *Stats) Record() {
	segmentsValidated.IncrementBy(s.Segments)
	segmentsRejected.IncrementBy(s.Rejected)
	cacheHits.IncrementBy(s.CacheHits)
	instsStubbed.IncrementBy(s.Stubbed)
	for i, n := range s.Types {
		instsValidated.IncrementBy(n, opcode.InstType(i).String())
	}
}
