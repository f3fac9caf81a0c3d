package backend

import (
	"encoding/binary"
	"strconv"
	"strings"
)

func beUint32(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

func putUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

// splitCString reads two consecutive null-terminated strings (the shape of
// a ParameterStatus payload: name\0 value\0).
func splitCString(payload []byte) (name, value string) {
	i := indexByte(payload, 0)
	if i < 0 {
		return string(payload), ""
	}
	name = string(payload[:i])
	rest := payload[i+1:]
	j := indexByte(rest, 0)
	if j < 0 {
		value = string(rest)
	} else {
		value = string(rest[:j])
	}
	return name, value
}

func stringUntilNull(payload []byte) string {
	i := indexByte(payload, 0)
	if i < 0 {
		return string(payload)
	}
	return string(payload[:i])
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// parseRowsAffected extracts the trailing integer from a command tag such
// as "INSERT 0 2", "UPDATE 3", "DELETE 1", "SELECT 4".
func parseRowsAffected(tag string) int64 {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.ParseInt(fields[len(fields)-1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
