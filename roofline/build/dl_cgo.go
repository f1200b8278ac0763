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

//go:build linux && cgo

package build

/*
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>

typedef void (*roofline_kernel_fn)(char *, char *, size_t, size_t, uint64_t *);

static void roofline_call(void *fn, void *in, void *out, size_t size, size_t repeat, uint64_t *cycles) {
	((roofline_kernel_fn)fn)((char *)in, (char *)out, size, repeat, cycles);
}

static void *roofline_dlopen(const char *path) {
	return dlopen(path, RTLD_NOW | RTLD_LOCAL);
}
*/
import "C"

import (
	"errors"
	"unsafe"

	"github.com/ajroetker/go-roofline/roofline/kernel"
)

// DL opens shared objects with the system dynamic loader.
type DL struct{}

// Open dlopens path with immediate binding.
func (DL) Open(path string) (Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.roofline_dlopen(cpath)
	if h == nil {
		return nil, dlError()
	}
	return &dlLibrary{handle: h}, nil
}

type dlLibrary struct {
	handle unsafe.Pointer
}

func (l *dlLibrary) Lookup(symbol string) (kernel.Func, error) {
	csym := C.CString(symbol)
	defer C.free(unsafe.Pointer(csym))

	C.dlerror()
	fn := C.dlsym(l.handle, csym)
	if fn == nil {
		return nil, dlError()
	}
	return dlFunc{fn: fn}, nil
}

func (l *dlLibrary) Close() error {
	if l.handle == nil {
		return nil
	}
	rc := C.dlclose(l.handle)
	l.handle = nil
	if rc != 0 {
		return dlError()
	}
	return nil
}

func dlError() error {
	msg := C.dlerror()
	if msg == nil {
		return errors.New("dynamic loader: unknown error")
	}
	return errors.New(C.GoString(msg))
}

type dlFunc struct {
	fn unsafe.Pointer
}

func (f dlFunc) Call(in, out unsafe.Pointer, size, repeat int) (start, end uint64) {
	var cycles [2]C.uint64_t
	C.roofline_call(f.fn, in, out, C.size_t(size), C.size_t(repeat), &cycles[0])
	return uint64(cycles[0]), uint64(cycles[1])
}
