package gqcow2

import "fmt"

// VirtualDiskRegion mirrors one entry of `qemu-img map --output=json`.
type VirtualDiskRegion struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	Depth      int    `json:"depth"`
	Present    bool   `json:"present"`
	Zero       bool   `json:"zero"`
	Data       bool   `json:"data"`
	Compressed bool   `json:"compressed"`
	Offset     uint64 `json:"offset,omitempty"`
}

// SameAs reports whether another region has the same allocation state.
func (vdr VirtualDiskRegion) SameAs(another VirtualDiskRegion) bool {
	return vdr.Present == another.Present &&
		vdr.Zero == another.Zero &&
		vdr.Data == another.Data &&
		vdr.Compressed == another.Compressed
}

// follows reports whether next can be merged onto the end of vdr. Data
// regions also need contiguous host offsets.
func (vdr VirtualDiskRegion) follows(next VirtualDiskRegion) bool {
	if !vdr.SameAs(next) {
		return false
	}
	if vdr.Offset == 0 && next.Offset == 0 {
		return true
	}
	return vdr.Offset+vdr.Length == next.Offset
}

func regionFor(entry L2Entry, start, length uint64) (VirtualDiskRegion, error) {
	r := VirtualDiskRegion{Start: start, Length: length}

	switch {
	case entry.Compressed != nil:
		// compressed clusters always hold data
		r.Present = true
		r.Data = true
		r.Compressed = true
	case entry.Standard == nil:
		return r, fmt.Errorf("%w: empty L2 entry at %d", ErrCorrupt, start)
	case entry.Standard.AllZero:
		// preallocated or explicitly zeroed
		r.Present = true
		r.Zero = true
	case entry.Standard.DataOffset == 0:
		r.Zero = true
	default:
		r.Present = true
		r.Data = true
		r.Offset = entry.Standard.DataOffset
	}

	return r, nil
}

// Map walks every guest cluster and merges neighbours with the same
// allocation state into regions.
func (i *Image) Map() ([]VirtualDiskRegion, error) {
	virtualSize := i.Header.Size
	clusterSize := uint64(i.Header.ClusterSize())

	depth := 0
	if i.Header.HasBackingFile() {
		depth = 1
	}

	regions := make([]VirtualDiskRegion, 0)
	for offset := uint64(0); offset < virtualSize; offset += clusterSize {
		entry, err := i.FindL2Entry(offset)
		if err != nil {
			return nil, fmt.Errorf("reading l2 entry failed, offset %d: %w", offset, err)
		}

		region, err := regionFor(entry, offset, min(clusterSize, virtualSize-offset))
		if err != nil {
			return nil, err
		}
		if region.Present {
			region.Depth = 0
		} else {
			region.Depth = depth
		}

		if n := len(regions); n > 0 && regions[n-1].follows(region) {
			regions[n-1].Length += region.Length
			continue
		}
		regions = append(regions, region)
	}

	return regions, nil
}
