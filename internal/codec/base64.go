package codec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrBadBase64 marks a transport wrapper that does not decode.
var ErrBadBase64 = errors.New("invalid base64 envelope")

// MarshalB64 frames a message and wraps it in standard padded base64 for
// human interchange (clipboard, email, shell pipes).
func MarshalB64(msg Message) (string, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// UnmarshalB64 decodes a base64 transport wrapper into msg. Surrounding
// whitespace (trailing newlines from shell pipes) is tolerated; anything
// else is not.
func UnmarshalB64(s string, msg Message) error {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadBase64, err)
	}
	r := bytes.NewReader(raw)
	if err := ReadFrame(r, msg); err != nil {
		return err
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrBadFrame, r.Len())
	}
	return nil
}
