//go:build linux || freebsd || netbsd || openbsd

package worker

import "golang.org/x/sys/unix"

// maxRSSKiB returns the maximum resident set size of this process in KiB.
func maxRSSKiB() int64 {
	var r unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &r); err != nil {
		return 0
	}
	return int64(r.Maxrss)
}
