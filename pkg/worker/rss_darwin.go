//go:build darwin

package worker

import "golang.org/x/sys/unix"

// maxRSSKiB returns the maximum resident set size of this process in KiB.
// Darwin reports ru_maxrss in bytes.
func maxRSSKiB() int64 {
	var r unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &r); err != nil {
		return 0
	}
	return int64(r.Maxrss) / 1024
}
