package eventlog

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the position of an event in its stream, rendered as
// "<base>-<batch>". All events of one append batch share a base; batch
// numbers the events within the batch starting at zero. Versions order
// numerically by base, then batch.
//
// The textual form is also a valid Redis stream entry id, which the
// redisstream adapter relies on.
type Version string

// ZeroVersion is the version of a stream with no events.
const ZeroVersion Version = "0-0"

// JoinVersion builds a Version from its numeric parts.
func JoinVersion(base, batch uint64) Version {
	return Version(strconv.FormatUint(base, 10) + "-" + strconv.FormatUint(batch, 10))
}

// ParseVersion validates s and returns it as a Version.
func ParseVersion(s string) (Version, error) {
	if _, _, err := splitVersion(s); err != nil {
		return "", err
	}
	return Version(s), nil
}

func splitVersion(s string) (base, batch uint64, err error) {
	i := strings.IndexByte(s, '-')
	if i < 0 {
		return 0, 0, fmt.Errorf("malformed version %q: missing separator", s)
	}
	base, err = strconv.ParseUint(s[:i], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", s, err)
	}
	batch, err = strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed version %q: %w", s, err)
	}
	return base, batch, nil
}

// Parts returns the numeric base and batch of the version.
func (v Version) Parts() (base, batch uint64, err error) {
	return splitVersion(string(v))
}

// Base returns the numeric base of the version, or 0 if malformed.
func (v Version) Base() uint64 {
	base, _, _ := splitVersion(string(v))
	return base
}

// Batch returns the numeric batch of the version, or 0 if malformed.
func (v Version) Batch() uint64 {
	_, batch, _ := splitVersion(string(v))
	return batch
}

// Less reports whether v orders strictly before o. Malformed versions
// compare as ZeroVersion.
func (v Version) Less(o Version) bool {
	vb, vn, _ := splitVersion(string(v))
	ob, on, _ := splitVersion(string(o))
	if vb != ob {
		return vb < ob
	}
	return vn < on
}

// NextRangeStart returns the smallest version that orders strictly
// after v within the same base. Reading a range that starts here,
// inclusively, is equivalent to reading "after v" exclusively, because
// assigned versions never revisit a base with a lower batch.
func (v Version) NextRangeStart() Version {
	base, batch, err := splitVersion(string(v))
	if err != nil {
		return JoinVersion(0, 1)
	}
	return JoinVersion(base, batch+1)
}

// TimeFunc returns the current time for event metadata.
// This can be overridden for testing.
var TimeFunc = time.Now

// NowUnixMilli returns the current timestamp in unix milliseconds using
// the configured TimeFunc.
func NowUnixMilli() int64 {
	return TimeFunc().UnixMilli()
}
