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

// Package build turns generated kernel source into callable kernels.
//
// The pipeline has three stages: kernel.Generator produces source text, a
// Compiler turns a source file into a shared object, and an Opener loads the
// shared object and resolves symbols. Loader strings them together and
// guarantees that no intermediate file outlives a call.
package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ajroetker/go-roofline/roofline/kernel"
)

// Compiler produces a loadable shared object at lib from the C file src.
type Compiler interface {
	Compile(ctx context.Context, src, lib string, flags []string) error
}

// Library is an opened shared object.
type Library interface {
	Lookup(symbol string) (kernel.Func, error)
	Close() error
}

// Opener opens shared objects by path.
type Opener interface {
	Open(path string) (Library, error)
}

// CompileError reports a toolchain failure.
type CompileError struct {
	Source string
	Output string
	Err    error
}

func (e *CompileError) Error() string {
	msg := fmt.Sprintf("compile %s: %v", filepath.Base(e.Source), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CompileError) Unwrap() error { return e.Err }

// SymbolError reports a shared object that could not be opened or lacks an
// expected symbol. Symbol is empty when opening failed.
type SymbolError struct {
	Library string
	Symbol  string
	Err     error
}

func (e *SymbolError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("open %s: %v", filepath.Base(e.Library), e.Err)
	}
	return fmt.Sprintf("resolve %s in %s: %v", e.Symbol, filepath.Base(e.Library), e.Err)
}

func (e *SymbolError) Unwrap() error { return e.Err }

// IsPointFailure reports whether err is a compile or symbol failure, the
// errors that only invalidate one benchmark point.
func IsPointFailure(err error) bool {
	var ce *CompileError
	var se *SymbolError
	return errors.As(err, &ce) || errors.As(err, &se)
}

// Loader compiles and loads generated sources.
type Loader struct {
	Dir      string
	Compiler Compiler
	Opener   Opener
	Log      *zap.Logger
}

// Loaded is a set of kernels resolved from one shared object. The kernels
// stay valid until Close.
type Loaded struct {
	Name    string
	Kernels []*kernel.Kernel
	lib     Library
}

// Kernel returns the loaded kernel with the given descriptor name.
func (l *Loaded) Kernel(name string) (*kernel.Kernel, bool) {
	for _, k := range l.Kernels {
		if k.Name == name {
			return k, true
		}
	}
	return nil, false
}

// Close unloads the shared object.
func (l *Loaded) Close() error {
	if l == nil || l.lib == nil {
		return nil
	}
	err := l.lib.Close()
	l.lib = nil
	l.Kernels = nil
	return err
}

// Load compiles src, opens the result and resolves every entry and its
// overhead variant. The source and shared object files are removed before
// Load returns, whatever the outcome. Failing to remove them after a
// successful load is logged, not returned, so the caller always owns the
// returned library.
func (l *Loader) Load(ctx context.Context, src kernel.Source) (_ *Loaded, err error) {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}

	f, err := os.CreateTemp(l.Dir, src.Name+"-*.c")
	if err != nil {
		return nil, fmt.Errorf("build: create source: %w", err)
	}
	srcPath := f.Name()
	libPath := strings.TrimSuffix(srcPath, ".c") + ".so"
	defer func() {
		rerr := removeFiles(srcPath, libPath)
		switch {
		case rerr == nil:
		case err == nil:
			log.Warn("removing kernel build files", zap.String("source", srcPath), zap.Error(rerr))
		default:
			err = multierr.Append(err, rerr)
		}
	}()

	_, werr := f.Write(src.Text)
	if werr = multierr.Append(werr, f.Close()); werr != nil {
		return nil, fmt.Errorf("build: write %s: %w", srcPath, werr)
	}

	log.Debug("compiling kernel source", zap.String("source", srcPath), zap.Int("entries", len(src.Entries)))
	if err := l.Compiler.Compile(ctx, srcPath, libPath, src.CFlags); err != nil {
		var ce *CompileError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CompileError{Source: srcPath, Err: err}
	}

	lib, err := l.Opener.Open(libPath)
	if err != nil {
		return nil, &SymbolError{Library: libPath, Err: err}
	}

	loaded := &Loaded{Name: src.Name, lib: lib}
	for _, e := range src.Entries {
		k, err := resolve(lib, libPath, e)
		if err != nil {
			return nil, multierr.Append(err, lib.Close())
		}
		loaded.Kernels = append(loaded.Kernels, k)
	}
	return loaded, nil
}

func resolve(lib Library, path string, e kernel.Entry) (*kernel.Kernel, error) {
	main, err := lib.Lookup(e.Symbol)
	if err != nil {
		return nil, &SymbolError{Library: path, Symbol: e.Symbol, Err: err}
	}
	overhead, err := lib.Lookup(kernel.OverheadSymbol(e.Symbol))
	if err != nil {
		return nil, &SymbolError{Library: path, Symbol: kernel.OverheadSymbol(e.Symbol), Err: err}
	}
	return &kernel.Kernel{Descriptor: e.Descriptor, Main: main, Overhead: overhead}, nil
}

func removeFiles(paths ...string) error {
	var err error
	for _, p := range paths {
		if rerr := os.Remove(p); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			err = multierr.Append(err, rerr)
		}
	}
	return err
}
