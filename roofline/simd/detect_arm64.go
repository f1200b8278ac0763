// Copyright 2025 go-roofline Authors
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

//go:build arm64

package simd

import (
	"fmt"

	"golang.org/x/sys/cpu"
)

func detectCPU() (Profile, error) {
	// ASIMD is mandatory on ARMv8-A, the check only guards odd emulators.
	if !cpu.ARM64.HasASIMD {
		return Profile{}, fmt.Errorf("%w: ASIMD not reported", ErrNoProfile)
	}
	return NEON(), nil
}
