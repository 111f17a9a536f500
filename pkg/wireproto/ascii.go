package wireproto

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrASCIIInput reports a malformed ASCII query line: anything other than a
// 'q' followed by a decimal number is a user-input error.
var ErrASCIIInput = errors.New("wireproto: malformed ascii query")

// ASCIIQuery is a parsed "q<number>" lookup line.
type ASCIIQuery struct {
	Number uint32
}

// ParseASCIIQuery parses one CR/LF-terminated ASCII line (line must already
// have the terminator stripped). The first character must be 'q' and must
// be followed immediately by the longest run of decimal digits; anything
// else, or an empty/overflowing digit run, is ErrASCIIInput.
func ParseASCIIQuery(line string) (ASCIIQuery, error) {
	if len(line) < 2 || line[0] != 'q' {
		return ASCIIQuery{}, ErrASCIIInput
	}
	rest := line[1:]
	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n == 0 {
		return ASCIIQuery{}, ErrASCIIInput
	}
	v, err := strconv.ParseUint(rest[:n], 10, 32)
	if err != nil {
		return ASCIIQuery{}, ErrASCIIInput
	}
	return ASCIIQuery{Number: uint32(v)}, nil
}

// ASCIIResult is the record form of a directory entry as shown to a
// teleprinter client.
type ASCIIResult struct {
	Number     uint32
	Name       string
	ClientType uint8
	Address    string
	Port       uint16
	Extension  uint8
}

// EncodeASCIIOK renders a successful ASCII lookup response.
func EncodeASCIIOK(r ASCIIResult) string {
	var b strings.Builder
	b.WriteString("ok\r\n")
	fmt.Fprintf(&b, "%d\r\n", r.Number)
	fmt.Fprintf(&b, "%s\r\n", r.Name)
	fmt.Fprintf(&b, "%d\r\n", r.ClientType)
	fmt.Fprintf(&b, "%s\r\n", r.Address)
	fmt.Fprintf(&b, "%d\r\n", r.Port)
	fmt.Fprintf(&b, "%d\r\n", r.Extension)
	b.WriteString("+++\r\n")
	return b.String()
}

// EncodeASCIIFail renders the "not found" ASCII lookup response.
func EncodeASCIIFail(number uint32) string {
	var b strings.Builder
	b.WriteString("fail\r\n")
	fmt.Fprintf(&b, "%d\r\n", number)
	b.WriteString("unknown\r\n")
	b.WriteString("+++\r\n")
	return b.String()
}
