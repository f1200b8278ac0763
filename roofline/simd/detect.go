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

package simd

import (
	"fmt"
	"os"
	"runtime"
)

// EnvOverride names the environment variable that forces a profile by name.
const EnvOverride = "ROOFLINE_SIMD"

// Detect returns the widest profile the running CPU supports.
// If ROOFLINE_SIMD is set, the named profile is returned instead, provided it
// targets the running architecture.
func Detect() (Profile, error) {
	if name := os.Getenv(EnvOverride); name != "" {
		p, err := Lookup(name)
		if err != nil {
			return Profile{}, err
		}
		if p.Arch != runtime.GOARCH {
			return Profile{}, fmt.Errorf("%w: %s targets %s, running on %s", ErrNoProfile, p.Name, p.Arch, runtime.GOARCH)
		}
		return p, nil
	}
	return detectCPU()
}
