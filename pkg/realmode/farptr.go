package realmode

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// ConventionalLimit is the first byte past the 1 MiB a real-mode
	// segment:offset pair can reach with the A20 line disabled.
	ConventionalLimit = 0x100000
	// HMALimit is one past FFFF:FFFF, the highest linear address a
	// segment:offset pair can form with A20 enabled.
	HMALimit = 0x10FFF0
)

var ErrBadFarPtr = errors.New("invalid segment:offset pointer")

// FarPtr is a real-mode segment:offset address.
type FarPtr struct {
	Segment uint16 `json:"segment"`
	Offset  uint16 `json:"offset"`
}

// Linear resolves the pointer as segment*16 + offset.
func (p FarPtr) Linear() uint32 {
	return uint32(p.Segment)<<4 + uint32(p.Offset)
}

func (p FarPtr) String() string {
	return fmt.Sprintf("%04X:%04X", p.Segment, p.Offset)
}

// FromLinear returns the normalized pointer for addr (offset < 16).
func FromLinear(addr uint32) (FarPtr, error) {
	if addr >= ConventionalLimit {
		return FarPtr{}, fmt.Errorf("%w: linear address %#x above 1MiB", ErrBadFarPtr, addr)
	}
	return FarPtr{Segment: uint16(addr >> 4), Offset: uint16(addr & 0xF)}, nil
}

// ParseFarPtr parses "SSSS:OOOO" where both halves are hex, with or
// without a 0x prefix.
func ParseFarPtr(s string) (FarPtr, error) {
	seg, off, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return FarPtr{}, fmt.Errorf("%w: %q", ErrBadFarPtr, s)
	}

	segment, err := parseHex16(seg)
	if err != nil {
		return FarPtr{}, fmt.Errorf("%w: segment %q: %w", ErrBadFarPtr, seg, err)
	}
	offset, err := parseHex16(off)
	if err != nil {
		return FarPtr{}, fmt.Errorf("%w: offset %q: %w", ErrBadFarPtr, off, err)
	}

	return FarPtr{Segment: segment, Offset: offset}, nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
