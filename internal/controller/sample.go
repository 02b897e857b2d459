package controller

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SampleMemory returns host-wide freeMem/totalMem from /proc/meminfo
// (spec.md:112's avgMem signal), the same direct-kernel-counter style
// SampleLoadAverage reads /proc/loadavg with. MemAvailable (the kernel's own
// estimate of memory available to new workloads without swapping) is
// preferred over MemFree, which undercounts reclaimable cache/buffers; it
// falls back to MemFree/MemTotal on kernels too old to expose MemAvailable.
func SampleMemory() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availableKB, freeKB float64
	haveAvailable := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB, _ = strconv.ParseFloat(fields[1], 64)
		case "MemAvailable":
			availableKB, _ = strconv.ParseFloat(fields[1], 64)
			haveAvailable = true
		case "MemFree":
			freeKB, _ = strconv.ParseFloat(fields[1], 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("parse /proc/meminfo: MemTotal not found")
	}

	if haveAvailable {
		return availableKB / totalKB, nil
	}
	return freeKB / totalKB, nil
}

// SampleLoadAverage returns the 1-minute load average from /proc/loadavg.
// No CPU/load-average library is directly imported anywhere in the
// retrieved pack (gopsutil appears only as an indirect dependency of one
// example's go.mod, never imported by any package), so this reads the
// kernel's own exposed counter directly rather than fabricate a dependency.
func SampleLoadAverage() (float64, error) {
	f, err := os.Open("/proc/loadavg")
	if err != nil {
		return 0, fmt.Errorf("open /proc/loadavg: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("read /proc/loadavg: empty")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) == 0 {
		return 0, fmt.Errorf("parse /proc/loadavg: no fields")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse /proc/loadavg: %w", err)
	}
	return load, nil
}
