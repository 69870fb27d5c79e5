//go:build unix

package sampler

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const rusageSupported = true

func readRusage() (counters, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return counters{}, fmt.Errorf("getrusage: %w", err)
	}
	return counters{
		userTime:   tvSeconds(ru.Utime),
		systemTime: tvSeconds(ru.Stime),
		reads:      int64(ru.Inblock),
		writes:     int64(ru.Oublock),
	}, nil
}

func tvSeconds(tv unix.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
