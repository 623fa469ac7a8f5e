//go:build !linux && !darwin

package daemon

func processRSS() int64 { return 0 }
