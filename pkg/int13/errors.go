package int13

import "fmt"

// Status is the BIOS completion code returned in AH.
type Status uint8

const (
	StatusOK              Status = 0x00
	StatusInvalid         Status = 0x01
	StatusSectorNotFound  Status = 0x04
	StatusBoundary        Status = 0x09
	StatusControllerFault Status = 0x20
	StatusTimeout         Status = 0x80
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "successful completion"
	case StatusInvalid:
		return "invalid function or parameter"
	case StatusSectorNotFound:
		return "sector not found"
	case StatusBoundary:
		return "data boundary error"
	case StatusControllerFault:
		return "controller failure"
	case StatusTimeout:
		return "timeout (not ready)"
	}
	return fmt.Sprintf("status %#02x", uint8(s))
}

// Error describes a failed interrupt call. The same status is left in AH
// with CF set.
type Error struct {
	Function uint8
	Drive    uint8
	Status   Status
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("int 13h ah=%#02x dl=%#02x: %s", e.Function, e.Drive, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }
