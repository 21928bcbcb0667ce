package gqcow2

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const QCOW2MagicNumber = "QFI\xfb"

const (
	headerV2Length = 72
	headerV3Length = 104
)

// incompatible feature bits
const (
	IncompatDirty uint64 = 1 << iota
	IncompatCorrupt
	IncompatExternalData
	IncompatCompressionType
	IncompatExtendedL2
)

var (
	ErrBadMagic    = errors.New("invalid QCOW2 magic")
	ErrUnsupported = errors.New("unsupported qcow2 feature")
)

//Byte  0 -  3:   magic ("QFI\xfb")
//      4 -  7:   version (2 or 3)
//      8 - 15:   backing_file_offset, 0 if there is no backing file
//     16 - 19:   backing_file_size
//     20 - 23:   cluster_bits, 1 << cluster_bits is the cluster size,
//                never less than 9
//     24 - 31:   size, virtual disk size in bytes
//     32 - 35:   crypt_method, 0 none, 1 AES, 2 LUKS
//     36 - 39:   l1_size, number of entries in the active L1 table
//     40 - 47:   l1_table_offset, cluster aligned
//     48 - 55:   refcount_table_offset, cluster aligned
//     56 - 59:   refcount_table_clusters
//     60 - 63:   nb_snapshots
//     64 - 71:   snapshots_offset
//
// version 3 only:
//
//     72 - 79:   incompatible_features
//     80 - 87:   compatible_features
//     88 - 95:   autoclear_features
//     96 - 99:   refcount_order
//    100 - 103:  header_length

type Header struct {
	// valid: 2 or 3
	Version uint32

	BackingFileOffset uint64
	BackingFileSize   uint32

	// cluster size is 1 << cluster bits
	ClusterBits uint32
	// virtual disk size in bytes
	Size        uint64
	CryptMethod uint32

	L1Size        uint32
	L1TableOffset uint64

	RefCountTableOffset   uint64
	RefcountTableClusters uint32

	NumSnapshots   uint32
	SnapshotOffset uint64

	// v3 only, zero for v2
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefCountOrder        uint32
	Length               uint32
}

// ClusterSize is in bytes
func (h *Header) ClusterSize() int {
	return 1 << h.ClusterBits
}

// L2EntryCount is the number of entries in one L2 table.
func (h *Header) L2EntryCount() uint64 {
	return uint64(h.ClusterSize()) / 8
}

func (h *Header) HasBackingFile() bool {
	return h.BackingFileOffset != 0
}

func ParseHeader(r FileHandler) (*Header, error) {
	hdr, err := readAt(r, 0, headerV2Length)
	if err != nil {
		return nil, err
	}

	if string(hdr[0:4]) != QCOW2MagicNumber {
		return nil, ErrBadMagic
	}

	h := &Header{
		Version:               binary.BigEndian.Uint32(hdr[4:8]),
		BackingFileOffset:     binary.BigEndian.Uint64(hdr[8:16]),
		BackingFileSize:       binary.BigEndian.Uint32(hdr[16:20]),
		ClusterBits:           binary.BigEndian.Uint32(hdr[20:24]),
		Size:                  binary.BigEndian.Uint64(hdr[24:32]),
		CryptMethod:           binary.BigEndian.Uint32(hdr[32:36]),
		L1Size:                binary.BigEndian.Uint32(hdr[36:40]),
		L1TableOffset:         binary.BigEndian.Uint64(hdr[40:48]),
		RefCountTableOffset:   binary.BigEndian.Uint64(hdr[48:56]),
		RefcountTableClusters: binary.BigEndian.Uint32(hdr[56:60]),
		NumSnapshots:          binary.BigEndian.Uint32(hdr[60:64]),
		SnapshotOffset:        binary.BigEndian.Uint64(hdr[64:72]),
		RefCountOrder:         4,
		Length:                headerV2Length,
	}

	switch h.Version {
	case 2:
	case 3:
		ext, err := readAt(r, headerV2Length, headerV3Length-headerV2Length)
		if err != nil {
			return nil, err
		}
		h.IncompatibleFeatures = binary.BigEndian.Uint64(ext[0:8])
		h.CompatibleFeatures = binary.BigEndian.Uint64(ext[8:16])
		h.AutoclearFeatures = binary.BigEndian.Uint64(ext[16:24])
		h.RefCountOrder = binary.BigEndian.Uint32(ext[24:28])
		h.Length = binary.BigEndian.Uint32(ext[28:32])
	default:
		return nil, fmt.Errorf("invalid version %d", h.Version)
	}

	// 1 << 9 == 512, which is the smallest cluster size
	if h.ClusterBits < 9 || h.ClusterBits > 21 {
		return nil, fmt.Errorf("invalid cluster bits %d", h.ClusterBits)
	}
	if h.CryptMethod != 0 {
		return nil, fmt.Errorf("%w: encryption method %d", ErrUnsupported, h.CryptMethod)
	}
	if err := h.checkFeatures(); err != nil {
		return nil, err
	}

	return h, nil
}

// checkFeatures rejects images a read-only reader cannot interpret. The
// dirty bit only concerns refcounts, which reads never consult.
func (h *Header) checkFeatures() error {
	f := h.IncompatibleFeatures
	switch {
	case f&IncompatCorrupt != 0:
		return errors.New("image is marked corrupt")
	case f&IncompatExternalData != 0:
		return fmt.Errorf("%w: external data file", ErrUnsupported)
	case f&IncompatCompressionType != 0:
		return fmt.Errorf("%w: non-zlib compression", ErrUnsupported)
	case f&IncompatExtendedL2 != 0:
		return fmt.Errorf("%w: extended L2 entries", ErrUnsupported)
	case f>>5 != 0:
		return fmt.Errorf("%w: incompatible features %#x", ErrUnsupported, f)
	}
	return nil
}

func (i *Image) LoadHeader() error {
	var err error
	if i.Header, err = ParseHeader(i.Handler); err != nil {
		return err
	}
	return nil
}
