package gqcow2

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
)

var ErrDecompressFail = errors.New("decompress failed")

// ReadAt reads the guest (virtual disk) view of the image, so an Image can
// stand in for a raw disk.
func (i *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	size := i.Size()
	if off >= size {
		return 0, io.EOF
	}

	var eof error
	if int64(len(p)) > size-off {
		p = p[:size-off]
		eof = io.EOF
	}

	cs := int64(i.Header.ClusterSize())
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		inCluster := pos % cs
		chunk := min(cs-inCluster, int64(len(p)-n))

		entry, err := i.FindL2Entry(uint64(pos))
		if err != nil {
			return n, err
		}
		if err := i.readCluster(entry, pos, inCluster, p[n:n+int(chunk)]); err != nil {
			return n, fmt.Errorf("reading guest offset %d: %w", pos, err)
		}

		n += int(chunk)
	}

	return n, eof
}

func (i *Image) readCluster(entry L2Entry, pos int64, inCluster int64, dst []byte) error {
	switch {
	case entry.Compressed != nil:
		return i.readCompressed(entry.Compressed, inCluster, dst)

	case entry.Standard == nil:
		return fmt.Errorf("%w: empty L2 entry", ErrCorrupt)

	case entry.Standard.AllZero:
		clear(dst)
		return nil

	case entry.Standard.DataOffset == 0:
		if i.Backing == nil {
			clear(dst)
			return nil
		}
		// a backing file may be shorter than the overlay
		n, err := i.Backing.ReadAt(dst, pos)
		if errors.Is(err, io.EOF) {
			clear(dst[n:])
			return nil
		}
		return err
	}

	data, err := readAt(i.Handler, int64(entry.Standard.DataOffset)+inCluster, int64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (i *Image) readCompressed(cd *CompressedDescriptor, inCluster int64, dst []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.cachedValid || i.cachedHost != cd.DataOffset {
		cluster, err := i.decompress(cd)
		if err != nil {
			i.cachedValid = false
			return err
		}
		i.cached = cluster
		i.cachedHost = cd.DataOffset
		i.cachedValid = true
	}

	copy(dst, i.cached[inCluster:])
	return nil
}

func (i *Image) decompress(cd *CompressedDescriptor) ([]byte, error) {
	compressedBuf := make([]byte, cd.CompressedLength())
	// the last compressed cluster may end before its final sector does
	rc, err := i.Handler.ReadAt(compressedBuf, int64(cd.DataOffset))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return nil, errors.Join(ErrDecompressFail, err)
		}
		compressedBuf = compressedBuf[:rc]
	}

	decompressor := flate.NewReader(bytes.NewReader(compressedBuf))
	defer decompressor.Close()

	// decompression stops once a full cluster has been produced
	cluster := make([]byte, i.Header.ClusterSize())
	if _, err := io.ReadFull(decompressor, cluster); err != nil {
		return nil, errors.Join(ErrDecompressFail, err)
	}

	return cluster, nil
}
