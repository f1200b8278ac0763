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

package counters

import "go.uber.org/zap"

// Events returns no events outside linux.
func Events() []Event { return nil }

// Session is unavailable outside linux.
type Session struct{}

// Open always fails.
func Open([]Event, *zap.Logger) (*Session, error) { return nil, ErrUnavailable }

// Reduced is always true.
func (s *Session) Reduced() bool { return true }

// Start always fails.
func (s *Session) Start() error { return ErrUnavailable }

// Stop always fails.
func (s *Session) Stop() (Counts, error) { return Counts{}, ErrUnavailable }

// Close does nothing.
func (s *Session) Close() error { return nil }
