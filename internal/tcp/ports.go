package tcp

import "github.com/clidar0929/netstackd/internal/iface"

// ephemeralLow and ephemeralHigh bound the ephemeral port range used for
// unbound Connect calls (spec.md §6).
const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

// allocateEphemeralPortLocked picks the first free port on ifc's local
// address starting from MIN+offset, where offset is the wall clock mod
// 1024 (tcp.c: "int offset = time(NULL) % 1024;"), scanning up to MAX with
// no wraparound. Must be called with e.mu held.
func (e *Engine) allocateEphemeralPortLocked(ifc *iface.Interface) (uint16, error) {
	const offsetSpan = 1024
	offset := int(e.clock.Now().Unix() % offsetSpan)

	for p := ephemeralLow + offset; p <= ephemeralHigh; p++ {
		port := uint16(p)
		if !e.portInUseLocked(ifc, port) {
			return port, nil
		}
	}
	return 0, ErrPortInUse
}

func (e *Engine) portInUseLocked(ifc *iface.Interface, port uint16) bool {
	for _, t := range e.tcbs {
		if t != nil && t.iface == ifc && t.localPort == port {
			return true
		}
	}
	return false
}
