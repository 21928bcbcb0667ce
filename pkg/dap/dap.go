package dap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go-int13/pkg/realmode"
)

// Disk address packet layout, little-endian, no padding:
//
//	Byte  0:        size
//	                Size of the packet in bytes, 0x10 for the base form
//	                and 0x18 for the form carrying a flat buffer address.
//
//	      1:        unused
//	                Reserved, must be zero.
//
//	      2 -  3:   numsectors
//	                Number of sectors to transfer.
//
//	      4 -  5:   buffer_offset
//	      6 -  7:   buffer_segment
//	                Real-mode destination, segment*16+offset.
//
//	      8 - 11:   startsectors
//	                Absolute zero-based LBA of the first sector.
//
//	     12 - 15:   upper 32 bits of the LBA. Zero for any packet whose
//	                start sector fits in 32 bits.
//
//	     16 - 23:   flat 64-bit buffer address, only when size is 0x18
//	                and buffer_segment:buffer_offset is FFFF:FFFF.
const (
	PacketSize         = 0x10
	ExtendedPacketSize = 0x18

	// MaxSectors is the per-call transfer limit most BIOSes enforce.
	MaxSectors = 0x7F
)

var (
	ErrBadSize          = errors.New("invalid packet size")
	ErrReservedNonZero  = errors.New("reserved byte is not zero")
	ErrShortBuffer      = errors.New("buffer shorter than packet")
	ErrTooManySectors   = errors.New("sector count exceeds transfer limit")
	ErrBufferOutOfRange = errors.New("transfer buffer above real-mode memory")
)

// flatMarker in buffer_segment:buffer_offset selects the flat address of
// an extended packet.
var flatMarker = realmode.FarPtr{Segment: 0xFFFF, Offset: 0xFFFF}

// DiskAddressPacket is the argument block of INT 13h AH=42h. It is built
// right before a call and read, not kept, by the service.
type DiskAddressPacket struct {
	Size          uint8  `json:"size"`
	Unused        uint8  `json:"unused"`
	NumSectors    uint16 `json:"numsectors"`
	BufferOffset  uint16 `json:"buffer_offset"`
	BufferSegment uint16 `json:"buffer_segment"`
	StartSectors  uint32 `json:"startsectors"`

	StartSectorsHigh uint32 `json:"startsectors_high,omitempty"`
	FlatBuffer       uint64 `json:"flat_buffer,omitempty"`
}

// New builds a base 16-byte packet.
func New(numSectors uint16, buffer realmode.FarPtr, lba uint64) DiskAddressPacket {
	return DiskAddressPacket{
		Size:             PacketSize,
		NumSectors:       numSectors,
		BufferOffset:     buffer.Offset,
		BufferSegment:    buffer.Segment,
		StartSectors:     uint32(lba),
		StartSectorsHigh: uint32(lba >> 32),
	}
}

// NewFlat builds a 24-byte packet addressing the buffer linearly.
func NewFlat(numSectors uint16, flat uint64, lba uint64) DiskAddressPacket {
	p := New(numSectors, flatMarker, lba)
	p.Size = ExtendedPacketSize
	p.FlatBuffer = flat
	return p
}

// Len is the encoded length, which is what Size declares.
func (p DiskAddressPacket) Len() int {
	return int(p.Size)
}

func (p DiskAddressPacket) Buffer() realmode.FarPtr {
	return realmode.FarPtr{Segment: p.BufferSegment, Offset: p.BufferOffset}
}

// LinearBuffer is buffer_segment*16 + buffer_offset.
func (p DiskAddressPacket) LinearBuffer() uint32 {
	return p.Buffer().Linear()
}

func (p DiskAddressPacket) LBA() uint64 {
	return uint64(p.StartSectorsHigh)<<32 | uint64(p.StartSectors)
}

func (p DiskAddressPacket) UsesFlatBuffer() bool {
	return p.Size == ExtendedPacketSize && p.Buffer() == flatMarker
}

// BufferAddress is the linear destination of the transfer, honouring the
// flat address of an extended packet.
func (p DiskAddressPacket) BufferAddress() uint64 {
	if p.UsesFlatBuffer() {
		return p.FlatBuffer
	}
	return uint64(p.LinearBuffer())
}

func (p DiskAddressPacket) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, ExtendedPacketSize))
}

func (p DiskAddressPacket) AppendBinary(b []byte) ([]byte, error) {
	if p.Size != PacketSize && p.Size != ExtendedPacketSize {
		return nil, fmt.Errorf("%w: %#x", ErrBadSize, p.Size)
	}

	start := len(b)
	b = append(b, make([]byte, p.Size)...)
	raw := b[start:]

	raw[0] = p.Size
	raw[1] = p.Unused
	binary.LittleEndian.PutUint16(raw[2:4], p.NumSectors)
	binary.LittleEndian.PutUint16(raw[4:6], p.BufferOffset)
	binary.LittleEndian.PutUint16(raw[6:8], p.BufferSegment)
	binary.LittleEndian.PutUint32(raw[8:12], p.StartSectors)
	binary.LittleEndian.PutUint32(raw[12:16], p.StartSectorsHigh)
	if p.Size == ExtendedPacketSize {
		binary.LittleEndian.PutUint64(raw[16:24], p.FlatBuffer)
	}

	return b, nil
}

// UnmarshalBinary decodes a packet. The first byte selects the form; b
// may be longer than the packet.
func (p *DiskAddressPacket) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortBuffer
	}

	size := b[0]
	if size != PacketSize && size != ExtendedPacketSize {
		return fmt.Errorf("%w: %#x", ErrBadSize, size)
	}
	if len(b) < int(size) {
		return fmt.Errorf("%w: have %d bytes, packet declares %d", ErrShortBuffer, len(b), size)
	}

	*p = DiskAddressPacket{
		Size:             size,
		Unused:           b[1],
		NumSectors:       binary.LittleEndian.Uint16(b[2:4]),
		BufferOffset:     binary.LittleEndian.Uint16(b[4:6]),
		BufferSegment:    binary.LittleEndian.Uint16(b[6:8]),
		StartSectors:     binary.LittleEndian.Uint32(b[8:12]),
		StartSectorsHigh: binary.LittleEndian.Uint32(b[12:16]),
	}
	if size == ExtendedPacketSize {
		p.FlatBuffer = binary.LittleEndian.Uint64(b[16:24])
	}

	return nil
}

func Parse(b []byte) (DiskAddressPacket, error) {
	var p DiskAddressPacket
	err := p.UnmarshalBinary(b)
	return p, err
}

// Validate checks what a BIOS expects of a packet before it will start a
// transfer. maxSectors of 0 means MaxSectors.
func (p DiskAddressPacket) Validate(maxSectors uint16) error {
	if maxSectors == 0 {
		maxSectors = MaxSectors
	}

	var errs []error
	if p.Size != PacketSize && p.Size != ExtendedPacketSize {
		errs = append(errs, fmt.Errorf("%w: %#x", ErrBadSize, p.Size))
	}
	if p.Unused != 0 {
		errs = append(errs, fmt.Errorf("%w: %#x", ErrReservedNonZero, p.Unused))
	}
	if p.NumSectors > maxSectors {
		errs = append(errs, fmt.Errorf("%w: %d > %d", ErrTooManySectors, p.NumSectors, maxSectors))
	}
	if !p.UsesFlatBuffer() && p.LinearBuffer() >= realmode.ConventionalLimit {
		errs = append(errs, fmt.Errorf("%w: %s", ErrBufferOutOfRange, p.Buffer()))
	}

	return errors.Join(errs...)
}

// String prints the packet the way gdb prints the C struct with p/x.
func (p DiskAddressPacket) String() string {
	s := fmt.Sprintf("{size = %#x, unused = %#x, numsectors = %#x, buffer_offset = %#x, buffer_segment = %#x, startsectors = %#x",
		p.Size, p.Unused, p.NumSectors, p.BufferOffset, p.BufferSegment, p.StartSectors)
	if p.StartSectorsHigh != 0 {
		s += fmt.Sprintf(", startsectors_high = %#x", p.StartSectorsHigh)
	}
	if p.Size == ExtendedPacketSize {
		s += fmt.Sprintf(", flat_buffer = %#x", p.FlatBuffer)
	}
	return s + "}"
}
