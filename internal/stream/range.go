package stream

import (
	"fmt"
	"regexp"
	"strconv"
)

// Matches the first range specifier; anything after a comma is ignored, so
// multi-range requests collapse to their first interval.
var rangeSpecRegex = regexp.MustCompile(`^bytes=(\d+)-(\d*)`)

// ByteRange is a validated inclusive byte interval within a file.
type ByteRange struct {
	Start  int64
	End    int64
	Length int64
}

// UnsatisfiableRangeError reports a rejected range request. Size carries the
// file's total size so callers can emit "Content-Range: bytes */{size}".
type UnsatisfiableRangeError struct {
	Size int64
}

func (e *UnsatisfiableRangeError) Error() string {
	return fmt.Sprintf("range not satisfiable within %d bytes", e.Size)
}

// ResolveRange translates an optional Range header value plus a known total
// size into a validated interval. partial reports whether a range was
// requested, which decides 206 versus 200. Malformed headers and intervals
// with end >= size, start < 0 or end < start are rejected with an
// UnsatisfiableRangeError.
func ResolveRange(header string, size int64) (br ByteRange, partial bool, err error) {
	if header == "" {
		return newRange(0, size-1)
	}

	matches := rangeSpecRegex.FindStringSubmatch(header)
	if matches == nil {
		return ByteRange{}, true, &UnsatisfiableRangeError{Size: size}
	}

	start, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return ByteRange{}, true, &UnsatisfiableRangeError{Size: size}
	}

	end := size - 1
	if matches[2] != "" {
		end, err = strconv.ParseInt(matches[2], 10, 64)
		if err != nil {
			return ByteRange{}, true, &UnsatisfiableRangeError{Size: size}
		}
	}

	if end >= size || start < 0 || end < start {
		return ByteRange{}, true, &UnsatisfiableRangeError{Size: size}
	}

	br, _, err = newRange(start, end)
	return br, true, err
}

func newRange(start, end int64) (ByteRange, bool, error) {
	return ByteRange{
		Start:  start,
		End:    end,
		Length: end - start + 1,
	}, false, nil
}
