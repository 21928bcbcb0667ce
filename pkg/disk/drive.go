// Package disk exposes disk images as sector-addressed drives.
package disk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go-int13/pkg/gqcow2"
)

const SectorSize = 512

var (
	ErrOutOfRange    = errors.New("sector beyond end of drive")
	ErrUnknownFormat = errors.New("unknown image format")
)

// Drive is a fixed-size, read-only block device.
type Drive interface {
	io.ReaderAt
	SectorSize() int
	Sectors() uint64
}

// RawDrive serves sectors straight out of an io.ReaderAt. A qcow2 Image
// is one as well, since it reads in guest offsets.
type RawDrive struct {
	r          io.ReaderAt
	size       int64
	sectorSize int
}

func NewRawDrive(r io.ReaderAt, size int64) *RawDrive {
	return &RawDrive{r: r, size: size, sectorSize: SectorSize}
}

func NewImageDrive(image *gqcow2.Image) *RawDrive {
	return NewRawDrive(image, image.Size())
}

func (d *RawDrive) ReadAt(p []byte, off int64) (int, error) {
	return d.r.ReadAt(p, off)
}

func (d *RawDrive) SectorSize() int { return d.sectorSize }

// Sectors counts whole sectors; a trailing partial sector is not
// addressable.
func (d *RawDrive) Sectors() uint64 { return uint64(d.size) / uint64(d.sectorSize) }

// ReadSectors fills dst, which must be a whole number of sectors, starting
// at lba. It returns how many sectors were read in full.
func ReadSectors(d Drive, lba uint64, dst []byte) (int, error) {
	ss := d.SectorSize()
	if len(dst)%ss != 0 {
		return 0, fmt.Errorf("buffer of %d bytes is not a multiple of %d", len(dst), ss)
	}

	count := uint64(len(dst) / ss)
	if lba >= d.Sectors() || count > d.Sectors()-lba {
		avail := uint64(0)
		if lba < d.Sectors() {
			avail = d.Sectors() - lba
		}
		n, err := readWhole(d, lba, dst[:avail*uint64(ss)])
		if err != nil {
			return n, err
		}
		return n, fmt.Errorf("%w: lba %d count %d, drive has %d sectors", ErrOutOfRange, lba, count, d.Sectors())
	}

	return readWhole(d, lba, dst)
}

func readWhole(d Drive, lba uint64, dst []byte) (int, error) {
	ss := d.SectorSize()
	n, err := d.ReadAt(dst, int64(lba)*int64(ss))
	if err != nil && !(errors.Is(err, io.EOF) && n == len(dst)) {
		return n / ss, err
	}
	return len(dst) / ss, nil
}

// Open opens an image file as a drive. format is "raw", "qcow2" or
// "auto", which sniffs the qcow2 magic. The returned closer releases the
// file.
func Open(path string, format string) (Drive, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	d, closers, err := newDrive(f, path, format)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return d, append(closers, f), nil
}

// closers closes every file behind a drive, backing files first.
type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

// sniff reports "qcow2" when r starts with the qcow2 magic and "raw"
// otherwise, short files included.
func sniff(r io.ReaderAt) string {
	magic := make([]byte, len(gqcow2.QCOW2MagicNumber))
	if _, err := r.ReadAt(magic, 0); err == nil && bytes.Equal(magic, []byte(gqcow2.QCOW2MagicNumber)) {
		return "qcow2"
	}
	return "raw"
}

// DetectFormat sniffs the image format of the file at path.
func DetectFormat(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return sniff(f), nil
}

func newDrive(f *os.File, name string, format string) (Drive, closers, error) {
	format = strings.ToLower(format)
	if format == "" || format == "auto" {
		format = sniff(f)
	}

	switch format {
	case "raw":
		st, err := f.Stat()
		if err != nil {
			return nil, nil, err
		}
		return NewRawDrive(f, st.Size()), nil, nil
	case "qcow2":
		image, cl, err := openImage(f, name)
		if err != nil {
			return nil, nil, err
		}
		return NewImageDrive(image), cl, nil
	}

	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// OpenImage opens a qcow2 file with its backing chain attached.
func OpenImage(path string) (*gqcow2.Image, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	image, cl, err := openImage(f, path)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return image, append(cl, f), nil
}

func openImage(f *os.File, name string) (*gqcow2.Image, closers, error) {
	image, err := gqcow2.NewFileImage(f, name)
	if err != nil {
		return nil, nil, err
	}
	if !image.Header.HasBackingFile() {
		return image, nil, nil
	}

	backingPath, err := image.BackingFileName()
	if err != nil {
		return nil, nil, err
	}
	if !filepath.IsAbs(backingPath) {
		backingPath = filepath.Join(filepath.Dir(name), backingPath)
	}
	backing, closer, err := Open(backingPath, "auto")
	if err != nil {
		return nil, nil, fmt.Errorf("opening backing file of %s: %w", name, err)
	}
	image.Backing = backing
	return image, closers{closer}, nil
}
