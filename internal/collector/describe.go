package collector

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// DescribeHost summarises the machine the collector runs on.
func DescribeHost() (string, error) {
	info, err := host.Info()
	if err != nil {
		return "", fmt.Errorf("get host info: %w", err)
	}

	cores, err := cpu.Counts(true)
	if err != nil {
		return "", fmt.Errorf("get cpu cores: %w", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return "", fmt.Errorf("get memory info: %w", err)
	}

	return fmt.Sprintf("%s (%s %s, %d cores, %s memory)",
		info.Hostname, info.Platform, info.PlatformVersion, cores, formatBytes(memInfo.Total)), nil
}

func formatBytes(n uint64) string {
	bytes := float64(n)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for bytes >= 1024 && i < len(units)-1 {
		bytes /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", bytes, units[i])
}
