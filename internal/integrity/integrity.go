// Package integrity computes peppered per-row checksums that detect
// out-of-band mutation of financial records.
package integrity

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Projectable exposes a stable ordered projection of the fields that feed a
// row's checksum. Foreign keys and temporal columns stay out of the
// projection by construction.
type Projectable interface {
	IntegrityModelName() string
	IntegrityFields() []any
}

// Checksum returns the SHA-512 hex digest over the secret, the model name and
// the canonicalized field projection.
func Checksum(secret string, p Projectable) string {
	h := sha512.New()
	h.Write([]byte(secret))
	h.Write([]byte{0})
	h.Write([]byte(p.IntegrityModelName()))
	for _, field := range p.IntegrityFields() {
		h.Write([]byte{0})
		h.Write([]byte(canonicalize(field)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored checksum matches the row. Rows without a
// checksum (empty value) pass; they predate the integrity discipline.
func Verify(secret string, p Projectable, stored string) bool {
	if stored == "" {
		return true
	}
	return stored == Checksum(secret, p)
}

// canonicalize renders a projection field deterministically: money (int64) to
// two fractional digits, uuids to hex form, timestamps to seconds since
// epoch, bools to 0/1.
func canonicalize(field any) string {
	switch v := field.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10) + ".00"
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case bool:
		if v {
			return "1"
		}
		return "0"
	case uuid.UUID:
		return v.String()
	case time.Time:
		return strconv.FormatInt(v.UTC().Unix(), 10)
	case *time.Time:
		if v == nil {
			return ""
		}
		return strconv.FormatInt(v.UTC().Unix(), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}
