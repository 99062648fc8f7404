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

// checkBundles requires every bundle boundary to start an instruction that
// does not continue a protected sequence.
func (v *validator) checkBundles() {
	mask := v.bundle - 1
	for a := (v.seg.VBase + mask) &^ mask; a < v.seg.Limit(); a += v.bundle {
		switch {
		case !v.starts.Contains(a):
			v.errorf(a, BadBundleBoundary, "instruction crosses bundle boundary")
		case v.protected.Contains(a):
			v.errorf(a, BadBundleBoundary, "protected sequence crosses bundle boundary")
		}
	}
}

// checkJumps validates direct jump targets. Targets outside the segment
// must be bundle aligned, which covers the trampolines.
func (v *validator) checkJumps() {
	for _, j := range v.jumps {
		switch {
		case !v.seg.Contains(j.to):
			if j.to&(v.bundle-1) != 0 {
				v.errorf(j.from, BadJumpTarget, "%#x is outside the segment and not bundle aligned", j.to)
				continue
			}
			v.log.Debugf("%08x: jump out of segment to %#x", j.from, j.to)
		case !v.starts.Contains(j.to):
			v.errorf(j.from, BadJumpTarget, "%#x is not an instruction boundary", j.to)
		case v.protected.Contains(j.to):
			v.errorf(j.from, BadJumpTarget, "%#x is inside a protected sequence", j.to)
		}
	}
}
