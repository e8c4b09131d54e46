package agent

import (
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// sampleHealth collects the numbers the fleet dashboard charts: 1-minute
// load average, memory use fraction, and disk use fraction of the
// content volume. Any metric that cannot be read reports zero rather
// than failing the report.
func sampleHealth(contentDir string) HealthReport {
	return HealthReport{
		CPU:  loadAverage(),
		Mem:  memoryUsed(),
		Disk: diskUsed(contentDir),
		TS:   time.Now().Unix(),
	}
}

func loadAverage() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}

func memoryUsed() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0
	}
	return (total - available) / total
}

func diskUsed(dir string) float64 {
	if dir == "" {
		dir = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0
	}
	total := float64(st.Blocks)
	if total == 0 {
		return 0
	}
	return (total - float64(st.Bavail)) / total
}
