package httpfront

import (
	"fmt"
	"strconv"
	"strings"
)

// parseRange decodes a single `Range: bytes=s-e` header against size,
// matching §4.E's byte-range rules. multi is true for a comma-separated
// multi-range request, which the front door always rejects with 416
// regardless of whether the source is chunkable. explicitEnd reports
// whether the header named an end bound at all ("bytes=N-" has none; a
// suffix range "bytes=-N" and any "bytes=s-e" do); combined with start==0
// by the caller, this recovers libsoup's distinction between the trivial
// whole-entity range "bytes=0-" and a genuine sub-range, the former being
// the only one a non-chunkable source tolerates. err is non-nil for any
// other malformed or unsatisfiable range.
func parseRange(header string, size int64) (start, end int64, multi, explicitEnd bool, err error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false, false, fmt.Errorf("unsupported range unit")
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, true, false, nil
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, false, fmt.Errorf("malformed range %q", header)
	}

	if parts[0] == "" {
		// Suffix range "bytes=-N": last N bytes.
		n, convErr := strconv.ParseInt(parts[1], 10, 64)
		if convErr != nil || n <= 0 {
			return 0, 0, false, false, fmt.Errorf("malformed suffix range %q", header)
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		return start, size - 1, false, true, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false, false, fmt.Errorf("range start out of bounds in %q", header)
	}

	if parts[1] == "" {
		return start, size - 1, false, false, nil
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil || end < start {
		return 0, 0, false, false, fmt.Errorf("malformed range end in %q", header)
	}
	if end > size-1 {
		end = size - 1
	}
	return start, end, false, true, nil
}
