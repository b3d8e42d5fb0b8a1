package aprs

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/black-roland/meshtastic-bridge/errors"
)

// telemetrySequence is the beacon telemetry counter. It starts below
// zero so the first beacon carries sequence 0 and wraps back to 0 after
// 999. The counter lives for the process lifetime.
type telemetrySequence struct {
	seq      atomic.Int64
	announce sync.Once
}

func newTelemetrySequence() *telemetrySequence {
	t := &telemetrySequence{}
	t.seq.Store(-1)
	return t
}

// Next advances the counter and returns the new sequence number.
// Concurrent callers each receive a distinct value.
func (t *telemetrySequence) Next() int {
	for {
		old := t.seq.Load()
		next := (old + 1) % 1000
		if t.seq.CompareAndSwap(old, next) {
			return int(next)
		}
	}
}

// AnnounceOnce runs fn on the first call only. The telemetry schema
// announcement precedes the first telemetry-bearing beacon.
func (t *telemetrySequence) AnnounceOnce(fn func()) {
	t.announce.Do(fn)
}

// encodeTelemetry renders the sequence number and values as a base-91
// telemetry field, "|...|", ready to append to a beacon comment.
func encodeTelemetry(seq int, values ...int) string {
	var b strings.Builder
	b.WriteByte('|')
	b.WriteString(base91Encode(seq))
	for _, v := range values {
		b.WriteString(base91Encode(v))
	}
	b.WriteByte('|')
	return b.String()
}

// base91Encode renders one value in 0..8280 as a two character base-91
// field.
func base91Encode(value int) string {
	d1 := value / 91
	d2 := value % 91
	return string([]byte{byte(d1 + 33), byte(d2 + 33)})
}

// base91Decode inverts base91Encode.
func base91Decode(field string) (int, error) {
	if len(field) != 2 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "aprs", "base91Decode", "field must be two characters")
	}

	d1 := int(field[0]) - 33
	d2 := int(field[1]) - 33
	if d1 < 0 || d1 > 90 || d2 < 0 || d2 > 90 {
		return 0, errors.WrapInvalid(errors.ErrInvalidData, "aprs", "base91Decode", "character out of base-91 range")
	}

	return d1*91 + d2, nil
}
