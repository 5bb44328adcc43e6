package ledger

import (
	"encoding/json"
	"time"

	"cosmossdk.io/math"

	"github.com/openalpha/clob-dex/errs"
)

// Wire conventions shared with the ledger JSON API: decimals travel as
// strings, timestamps as RFC 3339 UTC with microsecond precision, and
// optional fields are omitted entirely when absent.

const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Timestamp wraps time.Time with the ledger wire encoding.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to wire precision.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Microsecond)}
}

// At wraps an arbitrary time, truncated to wire precision.
func At(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Microsecond)}
}

// MarshalJSON encodes the timestamp as an RFC 3339 UTC string with
// microsecond precision.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Truncate(time.Microsecond).Format(timestampLayout))
}

// UnmarshalJSON accepts any RFC 3339 timestamp and normalises to UTC
// microseconds.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return errs.ErrValidation.Wrapf("malformed timestamp %q", s)
	}
	t.Time = parsed.UTC().Truncate(time.Microsecond)
	return nil
}

// ParseDec parses a wire decimal string.
func ParseDec(s string) (math.LegacyDec, error) {
	d, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return math.LegacyDec{}, errs.ErrValidation.Wrapf("malformed decimal %q", s)
	}
	return d, nil
}

// MustDec parses a wire decimal string and panics on failure. Test helper.
func MustDec(s string) math.LegacyDec {
	return math.LegacyMustNewDecFromStr(s)
}

// DecPtr returns a pointer to the given decimal, for optional fields.
func DecPtr(d math.LegacyDec) *math.LegacyDec {
	return &d
}
