// Package sysinfo reports the host the acquisition runs on.
package sysinfo

import (
	"context"
	"runtime"
	"slices"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

// CPU describes the processor.
type CPU struct {
	Brand         string   `json:"brand"`
	Vendor        string   `json:"vendor"`
	PhysicalCores int      `json:"physical_cores"`
	LogicalCores  int      `json:"logical_cores"`
	Features      []string `json:"features"` // SIMD extensions relevant to the FFT
	UsagePercent  float64  `json:"usage_percent"`
}

// Memory is system memory in bytes.
type Memory struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// Info is a point-in-time host report.
type Info struct {
	Hostname        string        `json:"hostname"`
	OS              string        `json:"os"`
	Platform        string        `json:"platform"`
	PlatformVersion string        `json:"platform_version"`
	KernelVersion   string        `json:"kernel_version"`
	Arch            string        `json:"arch"`
	Uptime          time.Duration `json:"uptime"`
	GoVersion       string        `json:"go_version"`
	Goroutines      int           `json:"goroutines"`
	CPU             CPU           `json:"cpu"`
	Memory          Memory        `json:"memory"`
	Collected       time.Time     `json:"collected"`
}

var simdFeatures = []cpuid.FeatureID{cpuid.SSE2, cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD}

// GetLogger returns the sysinfo package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("sysinfo")
}

// CPUInfo returns the static processor description.
func CPUInfo() CPU {
	c := CPU{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if c.LogicalCores == 0 {
		c.LogicalCores = runtime.NumCPU()
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			c.Features = append(c.Features, f.String())
		}
	}
	slices.Sort(c.Features)
	return c
}

// Collect gathers the host report. Partial failures leave the affected
// fields zero and are returned joined.
func Collect(ctx context.Context) (Info, error) {
	info := Info{
		Arch:       runtime.GOARCH,
		OS:         runtime.GOOS,
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		CPU:        CPUInfo(),
		Collected:  time.Now(),
	}

	var errs []error
	if h, err := host.InfoWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.Uptime = time.Duration(h.Uptime) * time.Second
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		info.CPU.UsagePercent = pct[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		info.Memory = Memory{Total: vm.Total, Used: vm.Used, UsedPercent: vm.UsedPercent}
	}

	if err := errors.Join(errs...); err != nil {
		return info, errors.New(err).
			Component("sysinfo").
			Category(errors.CategoryGeneric).
			Build()
	}
	return info, nil
}

// LogSummary logs the processor and memory once at startup.
func LogSummary(ctx context.Context) {
	info, err := Collect(ctx)
	log := GetLogger()
	if err != nil {
		log.Debug("host information incomplete", logger.Error(err))
	}
	log.Info("host",
		logger.String("cpu", info.CPU.Brand),
		logger.Int("logical_cores", info.CPU.LogicalCores),
		logger.Any("simd", info.CPU.Features),
		logger.Uint64("memory_total", info.Memory.Total),
		logger.String("platform", info.Platform),
		logger.String("arch", info.Arch))
}
