package spawner

import (
	"net"
	"strconv"

	"github.com/phayes/freeport"
)

// allocatePort scans [start, start+49] for the first port that binds and
// closes successfully, falling back to the OS-assigned free port via
// freeport.GetFreePort, and finally to start itself (the readiness probe
// surfaces the eventual bind failure if even that's occupied).
func allocatePort(start int) int {
	for p := start; p < start+50; p++ {
		if portFree(p) {
			return p
		}
	}
	if p, err := freeport.GetFreePort(); err == nil && portFree(p) {
		return p
	}
	return start
}

func portFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
