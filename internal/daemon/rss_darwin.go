//go:build darwin

package daemon

import "golang.org/x/sys/unix"

// processRSS returns the peak resident set size in bytes. Darwin
// reports ru_maxrss in bytes already.
func processRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return ru.Maxrss
}
