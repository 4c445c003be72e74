//go:build linux

package worker

import (
	"bufio"
	"bytes"
	"os"
	"strconv"
	"strings"
)

// readMemUsage samples process memory from /proc. Rollup fields are only
// filled when smaps_rollup is readable; ok is false when even statm is not.
func readMemUsage() (m memUsage, ok bool) {
	raw, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return m, false
	}
	f := bytes.Fields(raw)
	if len(f) < 2 {
		return m, false
	}
	pages, err := strconv.ParseUint(string(f[1]), 10, 64)
	if err != nil {
		return m, false
	}
	m.RSS = pages * uint64(os.Getpagesize())

	rollup, err := os.Open("/proc/self/smaps_rollup")
	if err != nil {
		return m, true
	}
	defer rollup.Close()

	// Lines look like "Anonymous:   1234 kB".
	sc := bufio.NewScanner(rollup)
	for sc.Scan() {
		name, rest, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		var dst *uint64
		switch strings.TrimSpace(name) {
		case "Anonymous":
			dst = &m.Anon
		case "Shmem":
			dst = &m.Shmem
		case "Swap":
			dst = &m.Swap
		default:
			continue
		}
		kb, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimSpace(rest), " kB"), 10, 64)
		if err == nil {
			*dst = kb * 1024
		}
	}
	return m, true
}
