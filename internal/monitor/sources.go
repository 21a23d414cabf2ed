package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

// Signals is one sample of named measurements
type Signals map[string]float64

// Source produces signal samples
type Source interface {
	Name() string
	Collect(ctx context.Context) (Signals, error)
}

// SystemSource samples host resources with gopsutil
type SystemSource struct {
	// DiskPath is the mount checked for usage
	DiskPath string
}

func (s SystemSource) Name() string { return "system" }

// Collect collects system metrics using gopsutil
func (s SystemSource) Collect(ctx context.Context) (Signals, error) {
	out := make(Signals)

	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU metrics: %w", err)
	}
	if len(cpuPercent) > 0 {
		out["cpu_percent"] = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory metrics: %w", err)
	}
	out["memory_percent"] = memInfo.UsedPercent

	path := s.DiskPath
	if path == "" {
		path = "/"
	}
	if diskInfo, err := disk.UsageWithContext(ctx, path); err == nil {
		out["disk_percent"] = diskInfo.UsedPercent
	}

	if netInfo, err := net.IOCountersWithContext(ctx, false); err == nil && len(netInfo) > 0 {
		out["net_bytes_in"] = float64(netInfo[0].BytesRecv)
		out["net_bytes_out"] = float64(netInfo[0].BytesSent)
	}

	if procs, err := process.PidsWithContext(ctx); err == nil {
		out["processes"] = float64(len(procs))
	}
	return out, nil
}

// CommandSource runs a check command (usually the test suite) and reports
// test_failures as 1 when it exits non-zero.
type CommandSource struct {
	Dir     string
	Command []string
	Timeout time.Duration
}

func (c CommandSource) Name() string { return "command" }

func (c CommandSource) Collect(ctx context.Context) (Signals, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("no check command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	signals := Signals{"check_duration_seconds": time.Since(start).Seconds()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		signals["test_failures"] = 0
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		signals["test_failures"] = 1
		log.Printf("🚨 Check command failed (exit %d): %s", exitErr.ExitCode(), tail(output.String(), 400))
	default:
		return nil, fmt.Errorf("run check command: %w", err)
	}
	return signals, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// FuncSource adapts a function
type FuncSource struct {
	SourceName string
	Fn         func(ctx context.Context) (Signals, error)
}

func (f FuncSource) Name() string { return f.SourceName }

func (f FuncSource) Collect(ctx context.Context) (Signals, error) { return f.Fn(ctx) }

// Composite merges several sources. A failing source is skipped; the
// sample fails only when every source fails.
type Composite []Source

func (c Composite) Name() string { return "composite" }

func (c Composite) Collect(ctx context.Context) (Signals, error) {
	out := make(Signals)
	var errs []error
	for _, s := range c {
		sig, err := s.Collect(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		for k, v := range sig {
			out[k] = v
		}
	}
	if len(errs) > 0 && len(errs) == len(c) {
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		log.Printf("⚠️  Monitor source failed: %v", err)
	}
	return out, nil
}
