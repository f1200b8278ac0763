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

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajroetker/go-roofline/roofline/bench"
	"github.com/ajroetker/go-roofline/roofline/kernel"
	"github.com/ajroetker/go-roofline/roofline/simd"
	"github.com/ajroetker/go-roofline/roofline/stream"
)

// realLoader compiles with the system C compiler and dlopens the result.
func realLoader(t *testing.T) (*Loader, *kernel.Generator) {
	t.Helper()
	cc, err := exec.LookPath(DefaultCC)
	if err != nil {
		t.Skipf("no C compiler: %v", err)
	}
	p, err := simd.Detect()
	if err != nil {
		t.Skipf("no SIMD profile: %v", err)
	}
	g, err := kernel.NewGenerator(p)
	require.NoError(t, err)
	return &Loader{Dir: t.TempDir(), Compiler: CC{Path: cc}, Opener: DL{}}, g
}

func TestCatalogCompilesAndRuns(t *testing.T) {
	l, g := realLoader(t)
	src, err := g.Catalog()
	require.NoError(t, err)

	loaded, err := l.Load(context.Background(), src)
	require.NoError(t, err, "generated catalog:\n%s", src.Text)
	t.Cleanup(func() { assert.NoError(t, loaded.Close()) })
	assertEmpty(t, l.Dir)

	k, ok := loaded.Kernel("load")
	require.True(t, ok)
	buf, err := stream.New(32*1024, k.Chunk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, buf.Close()) })

	r := bench.Run(k, buf.Bytes(), nil, 1000)
	assert.Equal(t, uint64(32768000), r.Main.Bytes)
	assert.Zero(t, r.Main.Flops)
	assert.Positive(t, r.Main.Cycles())
}

func TestMixedKernelCompilesAndRuns(t *testing.T) {
	l, g := realLoader(t)
	spec, err := kernel.Mixed(kernel.Load, kernel.Add, 1, g.Profile)
	require.NoError(t, err)
	name := kernel.MixedName(kernel.Load, kernel.Add, 1)
	src, err := g.GenerateAll(name, spec, spec.Doubled())
	require.NoError(t, err)

	loaded, err := l.Load(context.Background(), src)
	require.NoError(t, err, "generated source:\n%s", src.Text)
	t.Cleanup(func() { assert.NoError(t, loaded.Close()) })
	require.Len(t, loaded.Kernels, 2)

	k := loaded.Kernels[0]
	buf, err := stream.New(32*1024, k.Chunk, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, buf.Close()) })

	r := bench.Run(k, buf.Bytes(), nil, 1000)
	assert.Positive(t, r.Main.Flops)
	assert.InDelta(t, 1.0, r.Main.FlopsPerByte(), 1e-9)
	assert.Positive(t, r.Main.Cycles())
}
