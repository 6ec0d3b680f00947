//go:build !windows

package frontier

import "golang.org/x/sys/unix"

// fileDescriptorSoftLimit reads RLIMIT_NOFILE via the syscall wrapper
// rather than shelling out to `ulimit`, since this process opens many
// concurrent connections and needs its own ceiling at startup.
func fileDescriptorSoftLimit() (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, err
	}
	return int(rlim.Cur), nil
}
