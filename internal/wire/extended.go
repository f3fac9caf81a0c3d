package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ParseMessage is the decoded form of a frontend Parse message:
// stmt_name\0 query\0 num_params(int16) param_type_oids[num_params](int32).
type ParseMessage struct {
	StatementName string
	Query         string
	ParamOIDs     []uint32
}

// DecodeParse decodes a Parse payload.
func DecodeParse(payload []byte) (ParseMessage, error) {
	nameEnd := bytes.IndexByte(payload, 0)
	if nameEnd < 0 {
		return ParseMessage{}, fmt.Errorf("wire: malformed Parse, no statement name terminator")
	}
	name := string(payload[:nameEnd])
	rest := payload[nameEnd+1:]
	queryEnd := bytes.IndexByte(rest, 0)
	if queryEnd < 0 {
		return ParseMessage{}, fmt.Errorf("wire: malformed Parse, no query terminator")
	}
	query := string(rest[:queryEnd])
	rest = rest[queryEnd+1:]
	if len(rest) < 2 {
		return ParseMessage{StatementName: name, Query: query}, nil
	}
	numParams := int(binary.BigEndian.Uint16(rest[0:2]))
	rest = rest[2:]
	oids := make([]uint32, 0, numParams)
	for i := 0; i < numParams && len(rest) >= 4; i++ {
		oids = append(oids, binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
	}
	return ParseMessage{StatementName: name, Query: query, ParamOIDs: oids}, nil
}

// EncodeParse is the inverse of DecodeParse.
func EncodeParse(m ParseMessage) Message {
	var buf bytes.Buffer
	buf.WriteString(m.StatementName)
	buf.WriteByte(0)
	buf.WriteString(m.Query)
	buf.WriteByte(0)
	writeUint16(&buf, uint16(len(m.ParamOIDs)))
	for _, o := range m.ParamOIDs {
		writeUint32(&buf, o)
	}
	return Message{Type: Parse, Payload: buf.Bytes()}
}

// BindMessage is the decoded form of a frontend Bind message.
type BindMessage struct {
	PortalName    string
	StatementName string
	ParamFormats  []int16
	Params        [][]byte // nil element means SQL NULL
	ResultFormats []int16
}

// DecodeBind decodes a Bind payload.
func DecodeBind(payload []byte) (BindMessage, error) {
	b := payload
	portalEnd := bytes.IndexByte(b, 0)
	if portalEnd < 0 {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind, no portal terminator")
	}
	portal := string(b[:portalEnd])
	b = b[portalEnd+1:]
	stmtEnd := bytes.IndexByte(b, 0)
	if stmtEnd < 0 {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind, no statement terminator")
	}
	stmt := string(b[:stmtEnd])
	b = b[stmtEnd+1:]

	if len(b) < 2 {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind, truncated format code count")
	}
	numFormats := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	formats := make([]int16, numFormats)
	for i := 0; i < numFormats; i++ {
		formats[i] = int16(binary.BigEndian.Uint16(b[0:2]))
		b = b[2:]
	}

	if len(b) < 2 {
		return BindMessage{}, fmt.Errorf("wire: malformed Bind, truncated param count")
	}
	numParams := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	params := make([][]byte, numParams)
	for i := 0; i < numParams; i++ {
		if len(b) < 4 {
			return BindMessage{}, fmt.Errorf("wire: malformed Bind, truncated param length")
		}
		plen := int32(binary.BigEndian.Uint32(b[0:4]))
		b = b[4:]
		if plen < 0 {
			params[i] = nil
			continue
		}
		if len(b) < int(plen) {
			return BindMessage{}, fmt.Errorf("wire: malformed Bind, truncated param value")
		}
		params[i] = b[:plen]
		b = b[plen:]
	}

	if len(b) < 2 {
		return BindMessage{PortalName: portal, StatementName: stmt, ParamFormats: formats, Params: params}, nil
	}
	numResult := int(binary.BigEndian.Uint16(b[0:2]))
	b = b[2:]
	resultFormats := make([]int16, 0, numResult)
	for i := 0; i < numResult && len(b) >= 2; i++ {
		resultFormats = append(resultFormats, int16(binary.BigEndian.Uint16(b[0:2])))
		b = b[2:]
	}

	return BindMessage{
		PortalName:    portal,
		StatementName: stmt,
		ParamFormats:  formats,
		Params:        params,
		ResultFormats: resultFormats,
	}, nil
}

// EncodeBind re-serializes a BindMessage, the inverse of DecodeBind.
func EncodeBind(m BindMessage) Message {
	var buf bytes.Buffer
	buf.WriteString(m.PortalName)
	buf.WriteByte(0)
	buf.WriteString(m.StatementName)
	buf.WriteByte(0)
	writeUint16(&buf, uint16(len(m.ParamFormats)))
	for _, f := range m.ParamFormats {
		writeInt16(&buf, f)
	}
	writeUint16(&buf, uint16(len(m.Params)))
	for _, p := range m.Params {
		if p == nil {
			writeInt32(&buf, -1)
			continue
		}
		writeInt32(&buf, int32(len(p)))
		buf.Write(p)
	}
	writeUint16(&buf, uint16(len(m.ResultFormats)))
	for _, f := range m.ResultFormats {
		writeInt16(&buf, f)
	}
	return Message{Type: Bind, Payload: buf.Bytes()}
}

// DescribeTarget distinguishes a statement vs portal Describe.
type DescribeTarget byte

const (
	DescribeStatement DescribeTarget = 'S'
	DescribePortal    DescribeTarget = 'P'
)

// DecodeDescribe decodes a Describe payload: target byte + name\0.
func DecodeDescribe(payload []byte) (DescribeTarget, string, error) {
	if len(payload) < 2 {
		return 0, "", fmt.Errorf("wire: malformed Describe, too short")
	}
	target := DescribeTarget(payload[0])
	nameEnd := bytes.IndexByte(payload[1:], 0)
	if nameEnd < 0 {
		return 0, "", fmt.Errorf("wire: malformed Describe, no name terminator")
	}
	return target, string(payload[1 : 1+nameEnd]), nil
}

// DecodeExecute decodes an Execute payload: portal_name\0 + max_rows(int32).
func DecodeExecute(payload []byte) (portal string, maxRows int32, err error) {
	nameEnd := bytes.IndexByte(payload, 0)
	if nameEnd < 0 {
		return "", 0, fmt.Errorf("wire: malformed Execute, no portal terminator")
	}
	portal = string(payload[:nameEnd])
	rest := payload[nameEnd+1:]
	if len(rest) < 4 {
		return portal, 0, nil
	}
	return portal, int32(binary.BigEndian.Uint32(rest[0:4])), nil
}

// DecodeClose decodes a Close payload: target byte + name\0, same shape as
// Describe.
func DecodeClose(payload []byte) (DescribeTarget, string, error) {
	return DecodeDescribe(payload)
}

// CountPositionalParams counts the highest $N placeholder referenced in a
// SQL string, used to size ParameterDescription when no explicit Parse
// param-type list was given.
func CountPositionalParams(query string) int {
	max := 0
	for i := 0; i < len(query)-1; i++ {
		if query[i] == '$' && query[i+1] >= '0' && query[i+1] <= '9' {
			j := i + 1
			n := 0
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				n = n*10 + int(query[j]-'0')
				j++
			}
			if n > max {
				max = n
			}
		}
	}
	return max
}
