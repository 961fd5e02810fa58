package events

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// idPrefix marks identifiers minted by this package.
const idPrefix = "evt_"

// now is replaced in tests.
var now = time.Now

// NewID returns an event identifier of the form evt_<millis base36>_<random>.
// The time component keeps ids roughly ordered so clients can resume after a
// reconnect; the random suffix disambiguates ids minted in the same millisecond.
func NewID() string {
	ms := now().UnixMilli()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	var b strings.Builder
	b.Grow(len(idPrefix) + 10 + 1 + len(suffix))
	b.WriteString(idPrefix)
	b.WriteString(strconv.FormatInt(ms, 36))
	b.WriteByte('_')
	b.WriteString(suffix)
	return b.String()
}

// IDTime extracts the creation time encoded in an id minted by NewID.
func IDTime(id string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(id, idPrefix)
	if !ok {
		return time.Time{}, false
	}
	stamp, _, ok := strings.Cut(rest, "_")
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(stamp, 36, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
