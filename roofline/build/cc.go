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

package build

import (
	"context"
	"os/exec"
)

// DefaultCC is the compiler used when CC.Path is empty.
const DefaultCC = "cc"

// CC compiles kernels with a GCC-compatible command line driver.
type CC struct {
	Path  string   // compiler executable, DefaultCC if empty
	Flags []string // extra flags placed before the per-source flags
}

// Compile runs the driver and returns a *CompileError carrying its combined
// output when it exits non-zero.
func (c CC) Compile(ctx context.Context, src, lib string, flags []string) error {
	path := c.Path
	if path == "" {
		path = DefaultCC
	}
	args := []string{"-O2", "-fPIC", "-shared"}
	args = append(args, c.Flags...)
	args = append(args, flags...)
	args = append(args, "-o", lib, src)

	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &CompileError{Source: src, Output: string(output), Err: err}
	}
	return nil
}
