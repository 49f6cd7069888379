package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/opensandbox/opensandboxd/pkg/types"
)

// sampleUsage reads instantaneous resource usage from /proc for the
// Heartbeat frame's optional Usage payload.
func sampleUsage() types.ResourceUsage {
	total, avail := readMemInfo()
	diskUsed := diskUsedBytes("/workspace")
	return types.ResourceUsage{
		MemUsedBytes:  total - avail,
		DiskUsedBytes: diskUsed,
	}
}

func readMemInfo() (total, available uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		var key string
		var kb uint64
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		key = strings.TrimSuffix(fields[0], ":")
		kb, _ = strconv.ParseUint(fields[1], 10, 64)
		switch key {
		case "MemTotal":
			total = kb * 1024
		case "MemAvailable":
			available = kb * 1024
		}
	}
	return total, available
}

func diskUsedBytes(dir string) uint64 {
	var used uint64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.IsDir() {
			used += uint64(info.Size())
		}
	}
	return used
}
