// Package int13 emulates the BIOS fixed disk services a boot loader
// reaches through interrupt 13h, on top of disk images and a real-mode
// memory model.
package int13

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go-int13/pkg/dap"
	"go-int13/pkg/disk"
	"go-int13/pkg/realmode"
)

// functions, selected by AH
const (
	FuncReset           uint8 = 0x00
	FuncLastStatus      uint8 = 0x01
	FuncCheckExtensions uint8 = 0x41
	FuncExtendedRead    uint8 = 0x42
	FuncDriveParameters uint8 = 0x48
)

const (
	extensionsMagic     = 0x55AA
	extensionsReply     = 0xAA55
	extensionsVersion   = 0x30   // EDD 3.0
	extensionsFixedDisk = 0x0001 // fixed disk access subset: 42h-44h, 47h, 48h
)

var (
	ErrNoDrive        = errors.New("no drive attached")
	ErrDriveAttached  = errors.New("drive number already attached")
	ErrNotImplemented = errors.New("function not implemented")
	ErrBadSignature   = errors.New("installation check signature is not 55AAh")
	ErrBufferBoundary = errors.New("transfer does not fit in guest memory")
	errShortParams    = errors.New("drive parameter buffer too small")
)

var functionDescription = map[uint8]string{
	FuncReset:           "Reset Disk System",
	FuncLastStatus:      "Get Status of Last Operation",
	FuncCheckExtensions: "Test Whether Extensions Are Available",
	FuncExtendedRead:    "Extended Read Sectors From Drive",
	FuncDriveParameters: "Extended Get Drive Parameters",
}

// Describe names a function number for traces and reports.
func Describe(function uint8) string {
	if d, ok := functionDescription[function]; ok {
		return d
	}
	return fmt.Sprintf("function %#02x", function)
}

// Trace is handed to the trace hook after every call.
type Trace struct {
	Function uint8
	Drive    uint8
	// Packet is the disk address packet as read before an AH=42h call.
	Packet *dap.DiskAddressPacket
	Before Registers
	After  Registers
	Err    error
}

type Option func(*Service)

// WithMaxSectors sets the per-call transfer limit of AH=42h.
func WithMaxSectors(n uint16) Option {
	return func(s *Service) { s.maxSectors = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithTrace(fn func(Trace)) Option {
	return func(s *Service) { s.trace = fn }
}

// Service is one machine's disk BIOS: a guest memory and the drives
// numbered by DL. Calls are synchronous and Service is not safe for
// concurrent use, as on the real hardware.
type Service struct {
	mem        *realmode.Memory
	drives     map[uint8]disk.Drive
	maxSectors uint16
	logger     *slog.Logger
	trace      func(Trace)
	last       Status
}

func New(mem *realmode.Memory, opts ...Option) *Service {
	s := &Service{
		mem:        mem,
		drives:     make(map[uint8]disk.Drive),
		maxSectors: dap.MaxSectors,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Memory() *realmode.Memory { return s.mem }

// Attach makes d answer to drive number dl (0x80 is the first fixed disk).
func (s *Service) Attach(dl uint8, d disk.Drive) error {
	if _, ok := s.drives[dl]; ok {
		return fmt.Errorf("%w: %#02x", ErrDriveAttached, dl)
	}
	s.drives[dl] = d
	return nil
}

func (s *Service) Drive(dl uint8) (disk.Drive, bool) {
	d, ok := s.drives[dl]
	return d, ok
}

// Drives lists the attached drive numbers in ascending order.
func (s *Service) Drives() []uint8 {
	dls := make([]uint8, 0, len(s.drives))
	for dl := range s.drives {
		dls = append(dls, dl)
	}
	slices.Sort(dls)
	return dls
}

// Call executes the function selected by AH. On failure CF is set, AH
// holds the status and an *Error is returned.
func (s *Service) Call(ctx context.Context, r *Registers) error {
	before := *r
	function, dl := r.AH(), r.DL()

	var (
		packet *dap.DiskAddressPacket
		status Status
		err    error
	)

	switch function {
	case FuncReset:
		r.SetAH(uint8(StatusOK))
	case FuncLastStatus:
		r.SetAH(uint8(s.last))
		r.CF = s.last != StatusOK
		s.traceCall(function, dl, nil, before, *r, nil)
		return nil
	case FuncCheckExtensions:
		status, err = s.checkExtensions(r)
	case FuncExtendedRead:
		packet, status, err = s.extendedRead(ctx, r)
	case FuncDriveParameters:
		status, err = s.driveParameters(r)
	default:
		status, err = StatusInvalid, ErrNotImplemented
	}

	s.last = status
	var callErr error
	if status != StatusOK {
		r.CF = true
		r.SetAH(uint8(status))
		callErr = &Error{Function: function, Drive: dl, Status: status, Err: err}
	} else {
		r.CF = false
	}

	s.traceCall(function, dl, packet, before, *r, callErr)
	return callErr
}

func (s *Service) traceCall(function, dl uint8, packet *dap.DiskAddressPacket, before, after Registers, err error) {
	attrs := []any{
		"function", fmt.Sprintf("%#02x", function),
		"name", Describe(function),
		"drive", fmt.Sprintf("%#02x", dl),
		"params", before.String(),
		"return", after.String(),
	}
	if packet != nil {
		attrs = append(attrs, "dap", packet.String())
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Debug("int 13h", attrs...)

	if s.trace != nil {
		s.trace(Trace{Function: function, Drive: dl, Packet: packet, Before: before, After: after, Err: err})
	}
}

func (s *Service) checkExtensions(r *Registers) (Status, error) {
	if r.BX != extensionsMagic {
		return StatusInvalid, ErrBadSignature
	}
	if _, ok := s.drives[r.DL()]; !ok {
		return StatusInvalid, ErrNoDrive
	}

	r.BX = extensionsReply
	r.SetAH(extensionsVersion)
	r.CX = extensionsFixedDisk
	return StatusOK, nil
}

// readPacket fetches the disk address packet at DS:SI.
func (s *Service) readPacket(ptr realmode.FarPtr) (dap.DiskAddressPacket, error) {
	size := make([]byte, 1)
	if err := s.mem.ReadFar(size, ptr); err != nil {
		return dap.DiskAddressPacket{}, err
	}
	if size[0] != dap.PacketSize && size[0] != dap.ExtendedPacketSize {
		return dap.DiskAddressPacket{}, fmt.Errorf("%w: %#x", dap.ErrBadSize, size[0])
	}

	raw := make([]byte, size[0])
	if err := s.mem.ReadFar(raw, ptr); err != nil {
		return dap.DiskAddressPacket{}, err
	}
	return dap.Parse(raw)
}

func (s *Service) extendedRead(ctx context.Context, r *Registers) (*dap.DiskAddressPacket, Status, error) {
	ptr := r.DSSI()
	packet, err := s.readPacket(ptr)
	if err != nil {
		return nil, StatusInvalid, err
	}

	// nothing moves on a refused packet, and the block count says so
	refuse := func(status Status, err error) (*dap.DiskAddressPacket, Status, error) {
		if werr := s.storeTransferred(ptr, 0); werr != nil {
			err = errors.Join(err, werr)
		}
		return &packet, status, err
	}

	d, ok := s.drives[r.DL()]
	if !ok {
		return refuse(StatusInvalid, ErrNoDrive)
	}
	if err := packet.Validate(s.maxSectors); err != nil {
		return refuse(StatusInvalid, err)
	}

	ss := uint64(d.SectorSize())
	count := uint64(packet.NumSectors)
	dst := packet.BufferAddress()
	if dst+count*ss > uint64(s.mem.Size()) {
		return refuse(StatusBoundary, fmt.Errorf("%w: %#x + %d sectors", ErrBufferBoundary, dst, count))
	}

	r.SetAH(uint8(StatusOK))

	sector := make([]byte, ss)
	for done := uint64(0); done < count; done++ {
		status, err := s.readSector(ctx, d, packet.LBA()+done, sector, int64(dst+done*ss))
		if err != nil {
			// the block count field reports what was transferred
			if werr := s.storeTransferred(ptr, uint16(done)); werr != nil {
				err = errors.Join(err, werr)
			}
			return &packet, status, err
		}
	}

	return &packet, StatusOK, nil
}

func (s *Service) readSector(ctx context.Context, d disk.Drive, lba uint64, sector []byte, at int64) (Status, error) {
	if err := ctx.Err(); err != nil {
		return StatusTimeout, err
	}

	if _, err := disk.ReadSectors(d, lba, sector); err != nil {
		if errors.Is(err, disk.ErrOutOfRange) {
			return StatusSectorNotFound, err
		}
		return StatusControllerFault, err
	}

	if _, err := s.mem.WriteAt(sector, at); err != nil {
		return StatusBoundary, err
	}
	return StatusOK, nil
}

func (s *Service) storeTransferred(ptr realmode.FarPtr, n uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, n)
	_, err := s.mem.WriteAt(b, int64(ptr.Linear())+2)
	return err
}

func (s *Service) driveParameters(r *Registers) (Status, error) {
	d, ok := s.drives[r.DL()]
	if !ok {
		return StatusInvalid, ErrNoDrive
	}

	ptr := r.DSSI()
	size := make([]byte, 2)
	if err := s.mem.ReadFar(size, ptr); err != nil {
		return StatusInvalid, err
	}
	if binary.LittleEndian.Uint16(size) < DriveParametersSize {
		return StatusInvalid, errShortParams
	}

	raw, err := ParametersFor(d).MarshalBinary()
	if err != nil {
		return StatusInvalid, err
	}
	if err := s.mem.WriteFar(raw, ptr); err != nil {
		return StatusInvalid, err
	}

	r.SetAH(uint8(StatusOK))
	return StatusOK, nil
}
