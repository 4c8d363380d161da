// Package codec moves binary payloads across the capture boundary as text.
//
// The encoding is standard base64 with padding and no line wrapping, so the
// privileged side can hand a file over as a plain string and the other side
// can rebuild the exact bytes.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// DecodeError reports a payload that is not valid standard base64.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode payload: illegal data at offset %d", e.Offset)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode returns the text-safe form of data.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode rebuilds the bytes encoded by Encode. Any violation of the alphabet
// or padding fails the whole payload; no partial result is returned.
func Decode(s string) ([]byte, error) {
	// encoding/base64 skips line breaks; wrapped input is not a valid payload here.
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return nil, &DecodeError{Offset: int64(i), Err: base64.CorruptInputError(i)}
	}
	out, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		var corrupt base64.CorruptInputError
		if errors.As(err, &corrupt) {
			return nil, &DecodeError{Offset: int64(corrupt), Err: err}
		}
		return nil, &DecodeError{Err: err}
	}
	return out, nil
}
