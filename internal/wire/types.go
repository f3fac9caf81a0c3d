package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrWrongSize and ErrBadEncoding are returned by the typed column decoders
// below when a binary-format value does not match its declared type.
var (
	ErrWrongSize   = errors.New("wire: value has wrong size for type")
	ErrBadEncoding = errors.New("wire: value has invalid encoding for type")
)

func toString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

// DecodeInt2 decodes a binary-format int2 (smallint).
func DecodeInt2(b []byte) (int16, error) {
	if len(b) != 2 {
		return 0, ErrWrongSize
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// DecodeInt4 decodes a binary-format int4 (integer).
func DecodeInt4(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, ErrWrongSize
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// DecodeInt8 decodes a binary-format int8 (bigint).
func DecodeInt8(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, ErrWrongSize
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// DecodeFloat4 decodes a binary-format float4 (real).
func DecodeFloat4(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, ErrWrongSize
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b)), nil
}

// DecodeFloat8 decodes a binary-format float8 (double precision).
func DecodeFloat8(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, ErrWrongSize
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

// DecodeBool decodes a binary-format boolean.
func DecodeBool(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, ErrWrongSize
	}
	return b[0] != 0, nil
}

// DecodeText decodes a text/varchar value (binary and text format are
// identical UTF-8 bytes for this type).
func DecodeText(b []byte) (string, error) {
	return string(b), nil
}

// DecodeUUID decodes a binary-format uuid (16 raw bytes) into its canonical
// hyphenated string form.
func DecodeUUID(b []byte) (string, error) {
	if len(b) != 16 {
		return "", ErrWrongSize
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}

// DecodeNumeric decodes a binary-format numeric value into a decimal string.
// The wire format is: ndigits(int16), weight(int16), sign(uint16),
// dscale(uint16), then ndigits base-10000 digit groups. digits[g] holds the
// value at exponent (weight-g); group g belongs to the integer part when
// weight-g >= 0 and to the fractional part otherwise, the same placement
// Postgres's own get_str_from_var uses to walk NumericVar back to text.
func DecodeNumeric(b []byte) (string, error) {
	if len(b) < 8 {
		return "", ErrWrongSize
	}
	ndigits := int(binary.BigEndian.Uint16(b[0:2]))
	weight := int(int16(binary.BigEndian.Uint16(b[2:4])))
	sign := binary.BigEndian.Uint16(b[4:6])
	dscale := int(binary.BigEndian.Uint16(b[6:8]))
	if len(b) != 8+ndigits*2 {
		return "", ErrWrongSize
	}
	const (
		numericPos = 0x0000
		numericNeg = 0x4000
		numericNaN = 0xC000
	)
	if sign == numericNaN {
		return "NaN", nil
	}
	if sign != numericPos && sign != numericNeg {
		return "", ErrBadEncoding
	}
	digits := make([]int16, ndigits)
	for i := 0; i < ndigits; i++ {
		off := 8 + i*2
		digits[i] = int16(binary.BigEndian.Uint16(b[off : off+2]))
	}
	if ndigits == 0 {
		if dscale > 0 {
			return "0." + strings.Repeat("0", dscale), nil
		}
		return "0", nil
	}

	var intPart strings.Builder
	for g := 0; g <= weight; g++ {
		if g < ndigits {
			if g == 0 {
				intPart.WriteString(strconv.Itoa(int(digits[g])))
			} else {
				fmt.Fprintf(&intPart, "%04d", digits[g])
			}
		} else {
			intPart.WriteString("0000")
		}
	}
	if intPart.Len() == 0 {
		intPart.WriteByte('0')
	}

	var fracPart strings.Builder
	if weight < -1 {
		fracPart.WriteString(strings.Repeat("0000", -(weight+1)))
	}
	for g := weight + 1; g < ndigits; g++ {
		if g < 0 {
			continue
		}
		fmt.Fprintf(&fracPart, "%04d", digits[g])
	}
	frac := fracPart.String()
	if len(frac) > dscale {
		frac = frac[:dscale]
	} else if len(frac) < dscale {
		frac += strings.Repeat("0", dscale-len(frac))
	}

	out := intPart.String()
	if dscale > 0 {
		out += "." + frac
	}
	if sign == numericNeg {
		out = "-" + out
	}
	return out, nil
}

// pgEpoch is 2000-01-01 00:00:00 UTC, the epoch PostgreSQL uses for
// timestamp and timestamptz binary encoding.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	pgInfinityMicros    = int64(math.MaxInt64)
	pgNegInfinityMicros = int64(math.MinInt64)
)

// ToPgEpochMicros converts t to microseconds since the PostgreSQL epoch, the
// inverse of FromPgEpochMicros. A time.Time cannot represent the
// infinity/-infinity sentinels; code holding raw microseconds tests for
// them with IsPgInfinity/IsPgNegInfinity.
func ToPgEpochMicros(t time.Time) int64 {
	d := t.Sub(pgEpoch)
	return d.Microseconds()
}

// FromPgEpochMicros converts microseconds since the PostgreSQL epoch back to
// a time.Time. It has no special case for the infinity/-infinity sentinels
// (the int64 extrema), which do not survive the conversion; callers must
// check IsPgInfinity/IsPgNegInfinity before trusting the round trip.
func FromPgEpochMicros(micros int64) time.Time {
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond)
}

// IsPgInfinity reports whether micros is the PostgreSQL "infinity" sentinel.
func IsPgInfinity(micros int64) bool { return micros == pgInfinityMicros }

// IsPgNegInfinity reports whether micros is the PostgreSQL "-infinity" sentinel.
func IsPgNegInfinity(micros int64) bool { return micros == pgNegInfinityMicros }

// DecodeTimestamp decodes a binary-format timestamp/timestamptz (int8
// microseconds since 2000-01-01) honoring the infinity/-infinity sentinels.
func DecodeTimestamp(b []byte) (micros int64, err error) {
	if len(b) != 8 {
		return 0, ErrWrongSize
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// EncodeTimestamp is the round-trip inverse of DecodeTimestamp.
func EncodeTimestamp(micros int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(micros))
	return b
}

// DecodeInterval decodes a binary-format interval: int8 microseconds,
// int4 days, int4 months.
type Interval struct {
	Micros int64
	Days   int32
	Months int32
}

func DecodeInterval(b []byte) (Interval, error) {
	if len(b) != 16 {
		return Interval{}, ErrWrongSize
	}
	return Interval{
		Micros: int64(binary.BigEndian.Uint64(b[0:8])),
		Days:   int32(binary.BigEndian.Uint32(b[8:12])),
		Months: int32(binary.BigEndian.Uint32(b[12:16])),
	}, nil
}

// DecodePgVector decodes a pgvector binary value: uint16 dim, uint16 unused
// (reserved), then dim float4 elements.
func DecodePgVector(b []byte) ([]float32, error) {
	if len(b) < 4 {
		return nil, ErrWrongSize
	}
	dim := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b) != 4+dim*4 {
		return nil, ErrWrongSize
	}
	out := make([]float32, dim)
	for i := 0; i < dim; i++ {
		off := 4 + i*4
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(b[off : off+4]))
	}
	return out, nil
}
