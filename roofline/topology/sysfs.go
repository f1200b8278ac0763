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

package topology

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// SysfsRoot is where Load reads the hierarchy from.
const SysfsRoot = "/sys/devices/system"

// Load discovers the topology of the running machine.
func Load(log *zap.Logger) (*Topology, error) {
	return Discover(os.DirFS(SysfsRoot), log)
}

// Discover builds the topology from a sysfs tree rooted at the
// devices/system directory. Cache sizes missing from sysfs are filled from
// cpuid, and a single virtual NUMA node is made up when the kernel exposes
// none.
func Discover(fsys fs.FS, log *zap.Logger) (*Topology, error) {
	if log == nil {
		log = zap.NewNop()
	}
	online, err := readCPUList(fsys, "cpu/online")
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}

	b := NewBuilder()
	cachesFound := false
	for _, cpu := range online {
		b.Add(KindPU, cpu, 0, cpu)
		dir := fmt.Sprintf("cpu/cpu%d", cpu)
		if siblings, err := readCPUList(fsys, dir+"/topology/thread_siblings_list"); err == nil {
			b.Add(KindCore, -1, 0, siblings...)
		} else {
			b.Add(KindCore, -1, 0, cpu)
		}
		n, err := addCaches(b, fsys, dir+"/cache")
		if err != nil {
			return nil, fmt.Errorf("topology: cpu%d: %w", cpu, err)
		}
		cachesFound = cachesFound || n > 0
	}
	if !cachesFound {
		log.Debug("no cache information in sysfs, using cpuid")
		addCPUIDCaches(b, online)
	}

	nodes, err := readCPUList(fsys, "node/online")
	switch {
	case err == nil:
		for _, node := range nodes {
			dir := fmt.Sprintf("node/node%d", node)
			cpus, err := readCPUList(fsys, dir+"/cpulist")
			if err != nil {
				return nil, fmt.Errorf("topology: node%d: %w", node, err)
			}
			mem, err := readMemTotal(fsys, dir+"/meminfo")
			if err != nil {
				return nil, fmt.Errorf("topology: node%d: %w", node, err)
			}
			b.Add(KindNUMA, node, mem, cpus...)
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("kernel exposes no NUMA nodes, using one virtual node")
		b.VirtualNUMA().Add(KindNUMA, 0, totalRAM(), online...)
	default:
		return nil, fmt.Errorf("topology: %w", err)
	}
	return b.Build()
}

// addCaches adds the data and unified caches listed under dir.
func addCaches(b *Builder, fsys fs.FS, dir string) (int, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "index") {
			continue
		}
		idx := path.Join(dir, e.Name())
		typ, err := readString(fsys, idx+"/type")
		if err != nil {
			return n, err
		}
		if typ == "Instruction" {
			continue
		}
		level, err := readInt(fsys, idx+"/level")
		if err != nil {
			return n, err
		}
		kind, ok := cacheKind(level)
		if !ok {
			continue
		}
		sizeStr, err := readString(fsys, idx+"/size")
		if err != nil {
			return n, err
		}
		size, err := ParseSize(sizeStr)
		if err != nil {
			return n, err
		}
		shared, err := readCPUList(fsys, idx+"/shared_cpu_list")
		if err != nil {
			return n, err
		}
		b.Add(kind, -1, size, shared...)
		n++
	}
	return n, nil
}

func cacheKind(level int) (Kind, bool) {
	switch level {
	case 1:
		return KindL1, true
	case 2:
		return KindL2, true
	case 3:
		return KindL3, true
	}
	return 0, false
}

// addCPUIDCaches assumes private L1 and L2 per core and one L3 shared by
// every cpu, sized from the cpuid cache descriptors.
func addCPUIDCaches(b *Builder, cpus []int) {
	tpc := max(cpuid.CPU.ThreadsPerCore, 1)
	for i := 0; i < len(cpus); i += tpc {
		core := cpus[i:min(i+tpc, len(cpus))]
		if cpuid.CPU.Cache.L1D > 0 {
			b.Add(KindL1, -1, int64(cpuid.CPU.Cache.L1D), core...)
		}
		if cpuid.CPU.Cache.L2 > 0 {
			b.Add(KindL2, -1, int64(cpuid.CPU.Cache.L2), core...)
		}
	}
	if cpuid.CPU.Cache.L3 > 0 {
		b.Add(KindL3, -1, int64(cpuid.CPU.Cache.L3), cpus...)
	}
}

// ParseSize parses sysfs sizes such as "48K", "2048K" or "32M".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return v * mult, nil
}

// ParseCPUList parses the kernel cpu list format, e.g. "0-3,8,10-11".
func ParseCPUList(s string) ([]int, error) {
	var cpus []int
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("bad cpu list %q: %w", s, err)
			}
		}
		if b < a {
			return nil, fmt.Errorf("bad cpu list %q: descending range", s)
		}
		for c := a; c <= b; c++ {
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// fmtCPUs formats a sorted cpu set in the kernel list format.
func fmtCPUs(cpus []int) string {
	var sb strings.Builder
	for i := 0; i < len(cpus); {
		j := i
		for j+1 < len(cpus) && cpus[j+1] == cpus[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(cpus[i]))
		if j > i {
			sb.WriteByte('-')
			sb.WriteString(strconv.Itoa(cpus[j]))
		}
		i = j + 1
	}
	return sb.String()
}

func readString(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}

func readInt(fsys fs.FS, name string) (int, error) {
	s, err := readString(fsys, name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func readCPUList(fsys fs.FS, name string) ([]int, error) {
	s, err := readString(fsys, name)
	if err != nil {
		return nil, err
	}
	return ParseCPUList(s)
}

// readMemTotal extracts MemTotal from a per-node meminfo file.
func readMemTotal(fsys fs.FS, name string) (int64, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		// "Node 0 MemTotal: 32768000 kB"
		for i, f := range fields {
			if f == "MemTotal:" && i+1 < len(fields) {
				kb, err := strconv.ParseInt(fields[i+1], 10, 64)
				if err != nil {
					return 0, fmt.Errorf("%s: %w", name, err)
				}
				return kb << 10, nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("%s: no MemTotal", name)
}
