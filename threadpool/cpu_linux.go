//go:build linux

package threadpool

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// cpuSample is one aggregate CPU row from /proc/stat: user, nice, system,
// idle, iowait, irq, softirq, steal.
type cpuSample struct {
	idle  int64
	total int64
}

// readCPUStats opens /proc/stat fresh on every call — deliberately, since
// reading it from a process-wide static stream (as the original source
// does) means every sample after the first reads a stale line.
func readCPUStats() (cpuSample, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuSample{}, errors.Wrap(err, "open /proc/stat")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return cpuSample{}, errors.New("empty /proc/stat")
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return cpuSample{}, errors.Errorf("unexpected /proc/stat header: %q", scanner.Text())
	}

	var nums [8]int64
	for i := 0; i < 8; i++ {
		n, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return cpuSample{}, errors.Wrapf(err, "parse /proc/stat field %d", i+1)
		}
		nums[i] = n
	}
	user, nice, system, idle, iowait, irq, softirq, steal := nums[0], nums[1], nums[2], nums[3], nums[4], nums[5], nums[6], nums[7]
	return cpuSample{
		idle:  idle + iowait,
		total: user + nice + system + idle + iowait + irq + softirq + steal,
	}, nil
}
