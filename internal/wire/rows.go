package wire

import "fmt"

// DecodeRowDescription parses a RowDescription payload back into its column
// Fields, the read-side counterpart to BuildRowDescription — used by the
// query engine to learn column names/positions when merging results fanned
// out across shards.
func DecodeRowDescription(payload []byte) ([]Field, error) {
	if len(payload) < 2 {
		return nil, ErrWrongSize
	}
	n := int(beUint16(payload[0:2]))
	pos := 2
	fields := make([]Field, 0, n)
	for i := 0; i < n; i++ {
		name, rest, err := readCString(payload[pos:])
		if err != nil {
			return nil, err
		}
		pos = len(payload) - len(rest)
		if len(payload)-pos < 18 {
			return nil, ErrWrongSize
		}
		f := Field{
			Name:         name,
			TableOID:     beUint32(payload[pos : pos+4]),
			ColumnAttr:   beUint16(payload[pos+4 : pos+6]),
			TypeOID:      beUint32(payload[pos+6 : pos+10]),
			TypeSize:     int16(beUint16(payload[pos+10 : pos+12])),
			TypeModifier: int32(beUint32(payload[pos+12 : pos+16])),
			FormatCode:   int16(beUint16(payload[pos+16 : pos+18])),
		}
		pos += 18
		fields = append(fields, f)
	}
	return fields, nil
}

// DecodeDataRow parses a DataRow payload into its column values. A nil
// element means SQL NULL; everything else is the raw column bytes (text
// format unless the originating query requested binary).
func DecodeDataRow(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, ErrWrongSize
	}
	n := int(beUint16(payload[0:2]))
	pos := 2
	values := make([][]byte, n)
	for i := 0; i < n; i++ {
		if len(payload)-pos < 4 {
			return nil, ErrWrongSize
		}
		length := int32(beUint32(payload[pos : pos+4]))
		pos += 4
		if length < 0 {
			values[i] = nil
			continue
		}
		if len(payload)-pos < int(length) {
			return nil, ErrWrongSize
		}
		values[i] = payload[pos : pos+int(length)]
		pos += int(length)
	}
	return values, nil
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("wire: unterminated C string")
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
