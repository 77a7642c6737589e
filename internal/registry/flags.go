package registry

// Flags is the bitset advertised on a Source at registration time.
type Flags uint32

const (
	// Public sources are discoverable through directory listings; the core
	// itself never queries this bit, it's carried for front-end consumers.
	Public Flags = 1 << iota
	// Live marks a source with no fixed end (e.g. a camera feed); size is
	// advisory only for these.
	Live
	// RealTime asks the pump to favour latency over throughput; the pump
	// doesn't currently special-case it, reserved for a future scheduler.
	RealTime
	// Chunkable sources honour HTTP Range requests (§4.E); required for any
	// partial GET to succeed.
	Chunkable
	// Bidirectional sources accept a PUT from the leecher side as well,
	// reserved for upload-style transfers.
	Bidirectional
)

// Has reports whether all bits in want are set.
func (f Flags) Has(want Flags) bool { return f&want == want }
