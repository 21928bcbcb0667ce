package gqcow2

import (
	"fmt"
	"io"
	"sync"
)

// FileHandler handles the read operation against the image resource, no
// matter whether it is a local file, an http served file or memory.
type FileHandler interface {
	io.ReaderAt
}

type Image struct {
	// mostly for print
	Name string

	Handler FileHandler

	// Backing serves unallocated clusters of an image that has a backing
	// file. Nil reads them as zeros.
	Backing io.ReaderAt

	// layout info
	Header  *Header
	L1Table []L1Entry

	// last decompressed cluster, keyed by its host offset
	mu          sync.Mutex
	cachedHost  uint64
	cachedValid bool
	cached      []byte
}

func NewFileImage(f FileHandler, name string) (*Image, error) {
	image := &Image{Name: name, Handler: f}

	if err := image.LoadHeader(); err != nil {
		return nil, err
	}

	if err := image.LoadL1Table(); err != nil {
		return nil, err
	}

	return image, nil
}

// Size is the virtual disk size in bytes.
func (i *Image) Size() int64 {
	return int64(i.Header.Size)
}

// BackingFileName reads the backing file name stored in the image. The
// name is not null terminated.
func (i *Image) BackingFileName() (string, error) {
	if !i.Header.HasBackingFile() {
		return "", nil
	}
	if i.Header.BackingFileSize > 1023 {
		return "", fmt.Errorf("%w: backing file name of %d bytes", ErrCorrupt, i.Header.BackingFileSize)
	}

	name, err := readAt(i.Handler, int64(i.Header.BackingFileOffset), int64(i.Header.BackingFileSize))
	if err != nil {
		return "", fmt.Errorf("reading backing file name: %w", err)
	}
	return string(name), nil
}

func (i *Image) String() string {
	return fmt.Sprintf(`image:%s
    format:qcow2
    version:%d
    virtual size: %d(bytes)
    cluster size: %d
    `,
		i.Name,
		i.Header.Version,
		i.Header.Size,
		i.Header.ClusterSize(),
	)
}
