package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MACBytes is how much of the HMAC-SHA256 output a frame carries.
const MACBytes = 8

const messageIDLen = 6

var (
	// ErrNotFrame means the text does not start with the relay prefix.
	ErrNotFrame = errors.New("relay: not a relay frame")
	// ErrMalformedFrame means the text has the prefix but a bad layout.
	ErrMalformedFrame = errors.New("relay: malformed frame")
)

// Frame is one fragment of a message as it appears on the host channel:
//
//	{prefix}{messageID}|{index}/{total}|{typeID}|{slice}|{mac}
type Frame struct {
	MessageID string
	Index     int
	Total     int
	TypeID    uint32
	// Slice is a piece of the base64 encoded payload.
	Slice string
	// MAC is the hex tag over everything between the prefix and the last '|'.
	MAC string
}

// FrameOverhead is the longest a frame of total parts can be without its
// slice: prefix, six digit id, index and total, a uint32 type id, the MAC
// and five separators.
func FrameOverhead(prefix string, total int) int {
	digits := len(strconv.Itoa(max(total, 1)))
	return len(prefix) + messageIDLen + 2*digits + 10 + 2*MACBytes + 5
}

// FormatMessageID renders a message counter as six upper-case hex digits.
func FormatMessageID(n uint32) string {
	return fmt.Sprintf("%06X", n&0xFFFFFF)
}

// Unsigned returns the part of the frame covered by the MAC.
func (f Frame) Unsigned() string {
	var b strings.Builder
	b.Grow(len(f.MessageID) + len(f.Slice) + 24)
	b.WriteString(f.MessageID)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(f.Index))
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(f.Total))
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(uint64(f.TypeID), 10))
	b.WriteByte('|')
	b.WriteString(f.Slice)
	return b.String()
}

// ComputeMAC returns the first MACBytes of HMAC-SHA256(key, body) as
// upper-case hex.
func ComputeMAC(key []byte, body string) string {
	return strings.ToUpper(hex.EncodeToString(macSum(key, body)))
}

func macSum(key []byte, body string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(body))
	return m.Sum(nil)[:MACBytes]
}

// VerifyMAC checks a hex tag against body. Hex case is ignored.
func VerifyMAC(key []byte, body, tag string) bool {
	got, err := hex.DecodeString(tag)
	if err != nil || len(got) != MACBytes {
		return false
	}
	return hmac.Equal(got, macSum(key, body))
}

// EncodeFrame signs f with key and renders it with prefix.
func EncodeFrame(prefix string, key []byte, f Frame) string {
	unsigned := f.Unsigned()
	return prefix + unsigned + "|" + ComputeMAC(key, unsigned)
}

// ParseFrame splits text into its fields without checking the MAC. The
// returned string is the signed body, ready for VerifyMAC.
func ParseFrame(prefix, text string) (Frame, string, error) {
	body, ok := strings.CutPrefix(text, prefix)
	if !ok {
		return Frame{}, "", ErrNotFrame
	}

	cut := strings.LastIndexByte(body, '|')
	if cut < 0 {
		return Frame{}, "", fmt.Errorf("%w: missing mac", ErrMalformedFrame)
	}
	unsigned, tag := body[:cut], body[cut+1:]

	fields := strings.SplitN(unsigned, "|", 4)
	if len(fields) != 4 {
		return Frame{}, "", fmt.Errorf("%w: want 4 header fields, got %d", ErrMalformedFrame, len(fields))
	}
	if !isMessageID(fields[0]) {
		return Frame{}, "", fmt.Errorf("%w: message id %q", ErrMalformedFrame, fields[0])
	}

	idx, total, ok := strings.Cut(fields[1], "/")
	if !ok {
		return Frame{}, "", fmt.Errorf("%w: part field %q", ErrMalformedFrame, fields[1])
	}
	index, err := strconv.Atoi(idx)
	if err != nil {
		return Frame{}, "", fmt.Errorf("%w: part index: %v", ErrMalformedFrame, err)
	}
	count, err := strconv.Atoi(total)
	if err != nil {
		return Frame{}, "", fmt.Errorf("%w: part total: %v", ErrMalformedFrame, err)
	}
	if count <= 0 || index < 0 || index >= count {
		return Frame{}, "", fmt.Errorf("%w: part %d/%d out of range", ErrMalformedFrame, index, count)
	}

	typeID, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return Frame{}, "", fmt.Errorf("%w: type id: %v", ErrMalformedFrame, err)
	}

	return Frame{
		MessageID: fields[0],
		Index:     index,
		Total:     count,
		TypeID:    uint32(typeID),
		Slice:     fields[3],
		MAC:       tag,
	}, unsigned, nil
}

func isMessageID(s string) bool {
	if len(s) != messageIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'A' <= c && c <= 'F' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

// Fragment cuts an encoded payload into slices of at most size characters.
// An empty payload still yields one empty slice.
func Fragment(encoded string, size int) []string {
	if len(encoded) == 0 {
		return []string{""}
	}
	n := (len(encoded) + size - 1) / size
	out := make([]string, 0, n)
	for start := 0; start < len(encoded); start += size {
		out = append(out, encoded[start:min(start+size, len(encoded))])
	}
	return out
}
