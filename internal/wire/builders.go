package wire

import (
	"bytes"
	"encoding/binary"
)

// Field describes one column of a RowDescription.
type Field struct {
	Name         string
	TableOID     uint32
	ColumnAttr   uint16
	TypeOID      uint32
	TypeSize     int16
	TypeModifier int32
	FormatCode   int16
}

// TextField is a convenience constructor for a text-typed (OID 25) column
// reported in the text format, matching the teacher's buildRowDescription.
func TextField(name string) Field {
	return Field{Name: name, TypeOID: 25, TypeSize: -1, TypeModifier: -1}
}

// BuildRowDescription encodes a RowDescription message.
func BuildRowDescription(fields []Field) Message {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(fields)))
	for _, f := range fields {
		buf.WriteString(f.Name)
		buf.WriteByte(0)
		writeUint32(&buf, f.TableOID)
		writeUint16(&buf, f.ColumnAttr)
		writeUint32(&buf, f.TypeOID)
		writeInt16(&buf, f.TypeSize)
		writeInt32(&buf, f.TypeModifier)
		writeInt16(&buf, f.FormatCode)
	}
	return Message{Type: RowDescription, Payload: buf.Bytes()}
}

// BuildDataRow encodes a DataRow message from column values. A nil value
// encodes as SQL NULL (length -1); everything else is stringified and sent
// in text format.
func BuildDataRow(values []interface{}) Message {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(values)))
	for _, v := range values {
		if v == nil {
			writeInt32(&buf, -1)
			continue
		}
		s := stringify(v)
		writeInt32(&buf, int32(len(s)))
		buf.WriteString(s)
	}
	return Message{Type: DataRow, Payload: buf.Bytes()}
}

// BuildCommandComplete encodes a CommandComplete message with the given tag
// (e.g. "SELECT 4", "INSERT 0 2", "UPDATE 3").
func BuildCommandComplete(tag string) Message {
	payload := append([]byte(tag), 0)
	return Message{Type: CommandComplete, Payload: payload}
}

// BuildReadyForQuery encodes a ReadyForQuery message. status is one of
// 'I' (idle), 'T' (in transaction) or 'E' (failed transaction).
func BuildReadyForQuery(status byte) Message {
	return Message{Type: ReadyForQuery, Payload: []byte{status}}
}

// BuildEmptyQueryResponse encodes the response to an empty query string.
func BuildEmptyQueryResponse() Message {
	return Message{Type: EmptyQueryResponse}
}

// BuildParseComplete, BuildBindComplete, BuildCloseComplete, BuildNoData are
// the zero-payload extended-protocol acknowledgements.
func BuildParseComplete() Message { return Message{Type: ParseComplete} }
func BuildBindComplete() Message  { return Message{Type: BindComplete} }
func BuildCloseComplete() Message { return Message{Type: CloseComplete} }
func BuildNoData() Message        { return Message{Type: NoData} }

// BuildParameterDescription encodes a ParameterDescription message; oids of
// 0 mean "unknown, infer from context", matching the teacher's behavior.
func BuildParameterDescription(oids []uint32) Message {
	var buf bytes.Buffer
	writeUint16(&buf, uint16(len(oids)))
	for _, o := range oids {
		writeUint32(&buf, o)
	}
	return Message{Type: ParameterDescription, Payload: buf.Bytes()}
}

// ErrorField codes used by BuildErrorResponse, the subset the core needs.
const (
	FieldSeverity byte = 'S'
	FieldCode     byte = 'C'
	FieldMessage  byte = 'M'
	FieldDetail   byte = 'D'
)

// BuildErrorResponse encodes an ErrorResponse (or, with the same shape, a
// NoticeResponse — callers choose the message type) from severity/sqlstate/
// message fields, terminated as the protocol requires by a lone zero byte.
func BuildErrorResponse(severity, code, message string) Message {
	var buf bytes.Buffer
	buf.WriteByte(FieldSeverity)
	buf.WriteString(severity)
	buf.WriteByte(0)
	buf.WriteByte(FieldCode)
	buf.WriteString(code)
	buf.WriteByte(0)
	buf.WriteByte(FieldMessage)
	buf.WriteString(message)
	buf.WriteByte(0)
	buf.WriteByte(0)
	return Message{Type: ErrorResponse, Payload: buf.Bytes()}
}

// BuildParameterStatus encodes a ParameterStatus message.
func BuildParameterStatus(name, value string) Message {
	var buf bytes.Buffer
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(value)
	buf.WriteByte(0)
	return Message{Type: ParameterStatus, Payload: buf.Bytes()}
}

// BuildBackendKeyData encodes a BackendKeyData message (process id + secret
// key), used so a client can later issue a CancelRequest.
func BuildBackendKeyData(pid, secret uint32) Message {
	var buf bytes.Buffer
	writeUint32(&buf, pid)
	writeUint32(&buf, secret)
	return Message{Type: BackendKeyData, Payload: buf.Bytes()}
}

// BuildCopyInResponse encodes a CopyInResponse telling the client this
// proxy is ready to receive COPY data: overallFormat 0 is text/CSV, 1 is
// binary; columnFormats carries one entry per column (ignored by clients
// in text/CSV mode, which is the only mode this proxy's CopyExecution
// parses rows in — see internal/router.CopyPlan).
func BuildCopyInResponse(overallFormat byte, columnFormats []int16) Message {
	var buf bytes.Buffer
	buf.WriteByte(overallFormat)
	writeUint16(&buf, uint16(len(columnFormats)))
	for _, f := range columnFormats {
		writeInt16(&buf, f)
	}
	return Message{Type: CopyInResponse, Payload: buf.Bytes()}
}

// BuildAuthenticationOK encodes AuthenticationOk (type 0).
func BuildAuthenticationOK() Message {
	var buf bytes.Buffer
	writeUint32(&buf, 0)
	return Message{Type: Authentication, Payload: buf.Bytes()}
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeInt16(buf *bytes.Buffer, v int16) { writeUint16(buf, uint16(v)) }

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt32(buf *bytes.Buffer, v int32) { writeUint32(buf, uint32(v)) }

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return toString(t)
	}
}
