package gqcow2

import (
	"errors"
	"io"
)

// readAt is a wrapper to save the boilerplate of checking the err == EOF
// situation.
func readAt(r io.ReaderAt, offset int64, length int64) ([]byte, error) {
	// no op
	if length == 0 {
		return nil, nil
	}

	result := make([]byte, length)
	rc, err := r.ReadAt(result, offset)
	if err != nil {
		if int64(rc) == length && errors.Is(err, io.EOF) {
			// this is valid situation
		} else if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		} else {
			return nil, err
		}
	}

	return result, nil
}
