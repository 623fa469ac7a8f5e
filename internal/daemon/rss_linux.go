//go:build linux

package daemon

import "golang.org/x/sys/unix"

// processRSS returns the peak resident set size in bytes. Linux
// reports ru_maxrss in kilobytes.
func processRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return ru.Maxrss * 1024
}
