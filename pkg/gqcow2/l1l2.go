package gqcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// bits 9 - 55 of L1 and standard L2 entries
const offsetMask = uint64(0x00FFFFFFFFFFFE00)

// maxL1Size caps the L1 table at 32 MiB of 8-byte entries, as qemu does.
const maxL1Size = (32 << 20) / 8

var ErrCorrupt = errors.New("corrupted qcow2 metadata")

type L1Entry struct {
	Index         int
	L2TableOffset uint64
	// true means refcount == 1, false means 0 or shared
	RefCountBit bool
}

type StandardDescriptor struct {
	// bit 0 (v3): reads as zeros regardless of DataOffset
	AllZero bool
	// if DataOffset is 0 and the L2 entry flag is false the cluster is
	// unallocated
	DataOffset uint64
}

type CompressedDescriptor struct {
	// not aligned to cluster or sector boundary
	DataOffset uint64
	// 512-byte sectors after the one containing DataOffset
	AdditionalSectorCount int
}

// CompressedLength is the number of host bytes that may hold the
// compressed stream.
func (cd *CompressedDescriptor) CompressedLength() int64 {
	return int64(cd.AdditionalSectorCount+1)*512 - int64(cd.DataOffset%512)
}

type L2Entry struct {
	// false for clusters that are unused, compressed or require COW
	Flag bool

	// only one may exist
	Standard   *StandardDescriptor
	Compressed *CompressedDescriptor
}

// Unallocated reports whether the cluster falls through to the backing
// file (or zeros).
func (e L2Entry) Unallocated() bool {
	return e.Standard != nil && !e.Standard.AllZero && e.Standard.DataOffset == 0
}

func (i *Image) LoadL1Table() error {
	clusterSize := uint64(i.Header.ClusterSize())
	totalEntryCount := uint64(i.Header.L1Size)

	if totalEntryCount > maxL1Size {
		return fmt.Errorf("%w: L1 table of %d entries", ErrCorrupt, totalEntryCount)
	}
	bytesPerL2 := clusterSize * i.Header.L2EntryCount()
	needed := i.Header.Size / bytesPerL2
	if i.Header.Size%bytesPerL2 != 0 {
		needed++
	}
	if totalEntryCount < needed {
		return fmt.Errorf("%w: L1 table of %d entries covers less than %d bytes", ErrCorrupt, totalEntryCount, i.Header.Size)
	}

	// each L1 table entry is 64bit
	tableBuf, err := readAt(i.Handler, int64(i.Header.L1TableOffset), int64(totalEntryCount*8))
	if err != nil {
		return fmt.Errorf("reading L1 table: %w", err)
	}

	i.L1Table = make([]L1Entry, 0, totalEntryCount)
	for index := range totalEntryCount {
		e := binary.BigEndian.Uint64(tableBuf[index*8 : index*8+8])

		newEntry := L1Entry{
			Index:         int(index),
			L2TableOffset: e & offsetMask,
			RefCountBit:   (e>>63)&1 == 1,
		}

		if newEntry.L2TableOffset%clusterSize != 0 {
			return fmt.Errorf("%w: L2 offset %#x not aligned to cluster boundary", ErrCorrupt, newEntry.L2TableOffset)
		}

		i.L1Table = append(i.L1Table, newEntry)
	}

	return nil
}

func (i *Image) FindL2Entry(vdOffset uint64) (L2Entry, error) {
	if vdOffset >= i.Header.Size {
		return L2Entry{}, fmt.Errorf("offset %d beyond virtual size %d", vdOffset, i.Header.Size)
	}

	clusterIndex := vdOffset / uint64(i.Header.ClusterSize())
	l1Index := clusterIndex / i.Header.L2EntryCount()
	l2Index := clusterIndex % i.Header.L2EntryCount()

	if l1Index >= uint64(len(i.L1Table)) {
		return L2Entry{}, fmt.Errorf("%w: L1 index %d out of %d", ErrCorrupt, l1Index, len(i.L1Table))
	}

	l2TableStart := i.L1Table[l1Index].L2TableOffset
	if l2TableStart == 0 {
		// no L2 table, every cluster it would cover is unallocated
		return L2Entry{Standard: &StandardDescriptor{}}, nil
	}

	raw, err := readAt(i.Handler, int64(l2TableStart+l2Index*8), 8)
	if err != nil {
		return L2Entry{}, fmt.Errorf("reading L2 entry: %w", err)
	}

	return decodeL2Entry(binary.BigEndian.Uint64(raw), i.Header.ClusterBits), nil
}

func decodeL2Entry(rawEntry uint64, cb uint32) L2Entry {
	entry := L2Entry{
		Flag: (rawEntry>>63)&1 == 1,
	}

	if (rawEntry>>62)&1 == 0 {
		entry.Standard = &StandardDescriptor{
			DataOffset: rawEntry & offsetMask,
			AllZero:    rawEntry&1 == 1,
		}
		return entry
	}

	split := 62 - (cb - 8)
	entry.Compressed = &CompressedDescriptor{
		DataOffset:            rawEntry & ((1 << split) - 1),
		AdditionalSectorCount: int((rawEntry >> split) & ((1 << (cb - 8)) - 1)),
	}
	return entry
}
