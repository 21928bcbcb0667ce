package int13

import (
	"encoding/binary"

	"go-int13/pkg/disk"
)

// DriveParametersSize is the EDD 1.1 result buffer filled by AH=48h.
const DriveParametersSize = 0x1A

// flag bit 1: the CHS fields are valid
const paramsGeometryValid = 0x0002

const (
	fakeHeads           = 16
	fakeSectorsPerTrack = 63
	maxCylinders        = 16383
)

// DriveParameters is the result buffer of AH=48h:
//
//	0x00  2  buffer size (0x1A)
//	0x02  2  information flags
//	0x04  4  cylinders
//	0x08  4  heads
//	0x0C  4  sectors per track
//	0x10  8  total sectors
//	0x18  2  bytes per sector
type DriveParameters struct {
	Size            uint16 `json:"size"`
	Flags           uint16 `json:"flags"`
	Cylinders       uint32 `json:"cylinders"`
	Heads           uint32 `json:"heads"`
	SectorsPerTrack uint32 `json:"sectors_per_track"`
	TotalSectors    uint64 `json:"total_sectors"`
	BytesPerSector  uint16 `json:"bytes_per_sector"`
}

// ParametersFor reports a translated geometry the way BIOSes present
// disks larger than any CHS layout: 16 heads, 63 sectors per track.
func ParametersFor(d disk.Drive) DriveParameters {
	sectors := d.Sectors()
	cylinders := sectors / (fakeHeads * fakeSectorsPerTrack)
	cylinders = max(1, min(cylinders, maxCylinders))

	return DriveParameters{
		Size:            DriveParametersSize,
		Flags:           paramsGeometryValid,
		Cylinders:       uint32(cylinders),
		Heads:           fakeHeads,
		SectorsPerTrack: fakeSectorsPerTrack,
		TotalSectors:    sectors,
		BytesPerSector:  uint16(d.SectorSize()),
	}
}

func (p DriveParameters) MarshalBinary() ([]byte, error) {
	b := make([]byte, DriveParametersSize)
	binary.LittleEndian.PutUint16(b[0x00:0x02], p.Size)
	binary.LittleEndian.PutUint16(b[0x02:0x04], p.Flags)
	binary.LittleEndian.PutUint32(b[0x04:0x08], p.Cylinders)
	binary.LittleEndian.PutUint32(b[0x08:0x0C], p.Heads)
	binary.LittleEndian.PutUint32(b[0x0C:0x10], p.SectorsPerTrack)
	binary.LittleEndian.PutUint64(b[0x10:0x18], p.TotalSectors)
	binary.LittleEndian.PutUint16(b[0x18:0x1A], p.BytesPerSector)
	return b, nil
}

func (p *DriveParameters) UnmarshalBinary(b []byte) error {
	if len(b) < DriveParametersSize {
		return errShortParams
	}
	*p = DriveParameters{
		Size:            binary.LittleEndian.Uint16(b[0x00:0x02]),
		Flags:           binary.LittleEndian.Uint16(b[0x02:0x04]),
		Cylinders:       binary.LittleEndian.Uint32(b[0x04:0x08]),
		Heads:           binary.LittleEndian.Uint32(b[0x08:0x0C]),
		SectorsPerTrack: binary.LittleEndian.Uint32(b[0x0C:0x10]),
		TotalSectors:    binary.LittleEndian.Uint64(b[0x10:0x18]),
		BytesPerSector:  binary.LittleEndian.Uint16(b[0x18:0x1A]),
	}
	return nil
}
