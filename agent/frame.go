package agent

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Wire framing for the agent protocol. All integers are big-endian.
//
//	request:  u16 path_len | path bytes | u64 offset | u64 length
//	response: u8 status | u64 data_len | data_len bytes
//
// status 0 is success and data_len may be less than the requested length
// when the range runs past end of file. status 1 is failure and the body
// is a UTF-8 message of at most 1000 bytes.
const (
	statusOK  byte = 0
	statusErr byte = 1

	responseHeaderLen = 9
	maxErrorLen       = 1000

	// streamPiece is the suggested streaming granularity; both the agent
	// and the client read buffer use it.
	streamPiece = 256 * 1024
)

// encodeRequest builds a request frame for path at offset/length.
func encodeRequest(path string, offset, length uint64) ([]byte, error) {
	p := []byte(path)
	if len(p) > math.MaxUint16 {
		return nil, errors.Errorf("path too long for request frame: %d bytes", len(p))
	}
	buf := make([]byte, 2+len(p)+16)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(p)))
	copy(buf[2:], p)
	binary.BigEndian.PutUint64(buf[2+len(p):], offset)
	binary.BigEndian.PutUint64(buf[2+len(p)+8:], length)
	return buf, nil
}

// decodeRequest is the inverse of encodeRequest. The in-process fake
// agent used by the tests speaks the same frames as the remote reader.
func decodeRequest(buf []byte) (path string, offset, length uint64, err error) {
	if len(buf) < 2 {
		return "", 0, 0, errors.New("request frame truncated before path length")
	}
	pathLen := int(binary.BigEndian.Uint16(buf[0:2]))
	if len(buf) != 2+pathLen+16 {
		return "", 0, 0, errors.Errorf("request frame length %d does not match path length %d", len(buf), pathLen)
	}
	path = string(buf[2 : 2+pathLen])
	offset = binary.BigEndian.Uint64(buf[2+pathLen:])
	length = binary.BigEndian.Uint64(buf[2+pathLen+8:])
	return path, offset, length, nil
}

// encodeResponseHeader builds the 9-byte response header.
func encodeResponseHeader(status byte, dataLen uint64) []byte {
	buf := make([]byte, responseHeaderLen)
	buf[0] = status
	binary.BigEndian.PutUint64(buf[1:], dataLen)
	return buf
}
