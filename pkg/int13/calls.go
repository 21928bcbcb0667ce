package int13

import (
	"context"
	"encoding/binary"

	"go-int13/pkg/dap"
	"go-int13/pkg/realmode"
)

// Result is what an ExtendedRead leaves behind.
type Result struct {
	Registers Registers `json:"registers"`
	// Transferred is the block count field read back from the packet.
	Transferred uint16 `json:"transferred"`
}

// CheckExtensions issues AH=41h for drive dl and reports the version
// byte (AH) and the interface bitmap (CX).
func (s *Service) CheckExtensions(ctx context.Context, dl uint8) (uint8, uint16, error) {
	r := Registers{BX: extensionsMagic, DX: uint16(dl)}
	r.SetAH(FuncCheckExtensions)

	if err := s.Call(ctx, &r); err != nil {
		return 0, 0, err
	}
	return r.AH(), r.CX, nil
}

// ExtendedRead stores packet in guest memory at at, points DS:SI at it
// and issues AH=42h for drive dl, the way a boot loader would.
func (s *Service) ExtendedRead(ctx context.Context, dl uint8, packet dap.DiskAddressPacket, at realmode.FarPtr) (Result, error) {
	raw, err := packet.MarshalBinary()
	if err != nil {
		return Result{}, err
	}
	if err := s.mem.WriteFar(raw, at); err != nil {
		return Result{}, err
	}

	r := Registers{DX: uint16(dl), DS: at.Segment, SI: at.Offset}
	r.SetAH(FuncExtendedRead)
	callErr := s.Call(ctx, &r)

	count := make([]byte, 2)
	if _, err := s.mem.ReadAt(count, int64(at.Linear())+2); err != nil {
		return Result{Registers: r}, err
	}

	return Result{Registers: r, Transferred: binary.LittleEndian.Uint16(count)}, callErr
}

// DriveParameters issues AH=48h for drive dl with the result buffer at at.
func (s *Service) DriveParameters(ctx context.Context, dl uint8, at realmode.FarPtr) (DriveParameters, error) {
	size := make([]byte, 2)
	binary.LittleEndian.PutUint16(size, DriveParametersSize)
	if err := s.mem.WriteFar(size, at); err != nil {
		return DriveParameters{}, err
	}

	r := Registers{DX: uint16(dl), DS: at.Segment, SI: at.Offset}
	r.SetAH(FuncDriveParameters)
	if err := s.Call(ctx, &r); err != nil {
		return DriveParameters{}, err
	}

	raw := make([]byte, DriveParametersSize)
	if err := s.mem.ReadFar(raw, at); err != nil {
		return DriveParameters{}, err
	}

	var params DriveParameters
	err := params.UnmarshalBinary(raw)
	return params, err
}
