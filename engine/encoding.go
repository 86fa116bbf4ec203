package engine

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// The engine's command channel carries UTF-16LE, matching the wire encoding
// of the debugger it is modeled on. Consumers speak UTF-8.
var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// EncodeCommand transcodes a UTF-8 command into the engine's internal
// UTF-16LE encoding. Invalid UTF-8 input is rejected with ErrInvalidEncoding
// rather than silently substituted.
func EncodeCommand(text string) ([]byte, error) {
	out, _, err := transform.Bytes(
		transform.Chain(encoding.UTF8Validator, utf16le.NewEncoder()),
		[]byte(text),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return out, nil
}

// decodeCommand transcodes a UTF-16LE command back to UTF-8 for the agent.
func decodeCommand(raw []byte) (string, error) {
	if len(raw)%2 != 0 {
		return "", fmt.Errorf("%w: odd-length UTF-16 payload", ErrInvalidEncoding)
	}
	out, err := utf16le.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	return string(out), nil
}
