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

//go:build !linux

package topology

import (
	"errors"

	"go.uber.org/zap"
)

var errNoBinding = errors.New("thread and memory binding need linux")

// Binder is unavailable outside linux.
type Binder struct {
	Topology *Topology
	Log      *zap.Logger
}

// NewBinder returns a binder that fails every request.
func NewBinder(t *Topology, log *zap.Logger) *Binder {
	return &Binder{Topology: t, Log: log}
}

// BindThread always fails.
func (b *Binder) BindThread(cpu int) error {
	return &BindingError{Op: "thread", Err: errNoBinding}
}

// Placement always fails.
func (b *Binder) Placement(target *Object, p Policy) (func(mem []byte) error, error) {
	return nil, &BindingError{Op: "memory", Target: target.Name(), Err: errNoBinding}
}

func totalRAM() int64 { return 0 }
