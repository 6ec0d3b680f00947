package frontier

import "runtime"

// windowsParallelismCap is the fixed cap used on Windows, where reading
// the FD soft limit doesn't apply the same way.
const windowsParallelismCap = 100

// fdReserve is subtracted from the OS file-descriptor soft limit to
// leave headroom for stdio, the output file, and the geolocator's HTTP
// sockets: P = max(fd_soft_limit - fdReserve, 1).
const fdReserve = 20

// Parallelism computes P, the hard cap on simultaneously open peer
// sessions.
func Parallelism() int {
	if runtime.GOOS == "windows" {
		return windowsParallelismCap
	}
	limit, err := fileDescriptorSoftLimit()
	if err != nil || limit <= 0 {
		return windowsParallelismCap
	}
	p := limit - fdReserve
	if p < 1 {
		p = 1
	}
	return p
}
