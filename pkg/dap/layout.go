package dap

// Field is one entry of the encoded layout, for dumps and reports.
type Field struct {
	Offset int
	Width  int
	Name   string
	Value  uint64
}

// Fields lists the encoded fields of p in wire order.
func (p DiskAddressPacket) Fields() []Field {
	fields := []Field{
		{Offset: 0x00, Width: 1, Name: "size", Value: uint64(p.Size)},
		{Offset: 0x01, Width: 1, Name: "unused", Value: uint64(p.Unused)},
		{Offset: 0x02, Width: 2, Name: "numsectors", Value: uint64(p.NumSectors)},
		{Offset: 0x04, Width: 2, Name: "buffer_offset", Value: uint64(p.BufferOffset)},
		{Offset: 0x06, Width: 2, Name: "buffer_segment", Value: uint64(p.BufferSegment)},
		{Offset: 0x08, Width: 4, Name: "startsectors", Value: uint64(p.StartSectors)},
		{Offset: 0x0C, Width: 4, Name: "startsectors_high", Value: uint64(p.StartSectorsHigh)},
	}
	if p.Size == ExtendedPacketSize {
		fields = append(fields, Field{Offset: 0x10, Width: 8, Name: "flat_buffer", Value: p.FlatBuffer})
	}
	return fields
}
