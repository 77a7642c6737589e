package httpfront

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = int64(100)

	cases := []struct {
		name        string
		header      string
		start       int64
		end         int64
		multi       bool
		explicitEnd bool
		wantErr     bool
	}{
		{name: "whole entity open range", header: "bytes=0-", start: 0, end: 99, explicitEnd: false},
		{name: "open range from non-zero start", header: "bytes=10-", start: 10, end: 99, explicitEnd: false},
		{name: "bounded range", header: "bytes=0-9", start: 0, end: 9, explicitEnd: true},
		{name: "bounded range clamped to size", header: "bytes=90-200", start: 90, end: 99, explicitEnd: true},
		{name: "suffix range", header: "bytes=-10", start: 90, end: 99, explicitEnd: true},
		{name: "suffix range longer than size", header: "bytes=-1000", start: 0, end: 99, explicitEnd: true},
		{name: "multi range", header: "bytes=0-9,20-29", multi: true},
		{name: "bad unit", header: "items=0-9", wantErr: true},
		{name: "start out of bounds", header: "bytes=100-", wantErr: true},
		{name: "end before start", header: "bytes=10-5", wantErr: true},
		{name: "malformed suffix", header: "bytes=-0", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start, end, multi, explicitEnd, err := parseRange(tc.header, size)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.multi, multi)
			if tc.multi {
				return
			}
			require.Equal(t, tc.start, start)
			require.Equal(t, tc.end, end)
			require.Equal(t, tc.explicitEnd, explicitEnd)
		})
	}
}
