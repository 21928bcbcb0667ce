package gqcow2_test

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"

	"go-int13/pkg/gqcow2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterSize = 512

// testImage is a four cluster (2 KiB) v3 image:
//
//	guest cluster 0: data at host 1536
//	guest cluster 1: unallocated
//	guest cluster 2: compressed at host 2048
//	guest cluster 3: zero flag
type testImage struct {
	raw        []byte
	data       []byte
	compressed []byte
}

func buildImage(t *testing.T, mutate func(hdr []byte)) testImage {
	t.Helper()

	data := bytes.Repeat([]byte{0xA5}, clusterSize)
	compressedPlain := bytes.Repeat([]byte("int13 "), clusterSize/6+1)[:clusterSize]

	var deflated bytes.Buffer
	w, err := flate.NewWriter(&deflated, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(compressedPlain)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Less(t, deflated.Len(), clusterSize)

	raw := make([]byte, 4*clusterSize+deflated.Len())

	hdr := raw[:104]
	copy(hdr[0:4], gqcow2.QCOW2MagicNumber)
	binary.BigEndian.PutUint32(hdr[4:8], 3)
	binary.BigEndian.PutUint32(hdr[20:24], 9)
	binary.BigEndian.PutUint64(hdr[24:32], 4*clusterSize)
	binary.BigEndian.PutUint32(hdr[36:40], 1)
	binary.BigEndian.PutUint64(hdr[40:48], 512)
	binary.BigEndian.PutUint32(hdr[96:100], 4)
	binary.BigEndian.PutUint32(hdr[100:104], 104)
	if mutate != nil {
		mutate(hdr)
	}

	binary.BigEndian.PutUint64(raw[512:520], 1<<63|1024)

	l2 := raw[1024:1536]
	binary.BigEndian.PutUint64(l2[0:8], 1<<63|1536)
	binary.BigEndian.PutUint64(l2[16:24], 1<<62|2048)
	binary.BigEndian.PutUint64(l2[24:32], 1)

	copy(raw[1536:2048], data)
	copy(raw[2048:], deflated.Bytes())

	return testImage{raw: raw, data: data, compressed: compressedPlain}
}

func openImage(t *testing.T, ti testImage) *gqcow2.Image {
	t.Helper()
	image, err := gqcow2.NewFileImage(bytes.NewReader(ti.raw), "test")
	require.NoError(t, err)
	return image
}

func Test_NewFileImage(t *testing.T) {
	t.Run("Load image from memory",
		func(t *testing.T) {
			image := openImage(t, buildImage(t, nil))

			assert.Equal(t, uint32(3), image.Header.Version)
			assert.Equal(t, clusterSize, image.Header.ClusterSize())
			assert.Equal(t, int64(2048), image.Size())
			require.Len(t, image.L1Table, 1)
			assert.Equal(t, uint64(1024), image.L1Table[0].L2TableOffset)
			assert.True(t, image.L1Table[0].RefCountBit)
		})

	t.Run("Reject bad headers",
		func(t *testing.T) {
			cases := map[string]struct {
				mutate func(hdr []byte)
				is     error
			}{
				"magic":       {mutate: func(hdr []byte) { hdr[0] = 'X' }, is: gqcow2.ErrBadMagic},
				"encrypted":   {mutate: func(hdr []byte) { binary.BigEndian.PutUint32(hdr[32:36], 1) }, is: gqcow2.ErrUnsupported},
				"zstd":        {mutate: func(hdr []byte) { binary.BigEndian.PutUint64(hdr[72:80], gqcow2.IncompatCompressionType) }, is: gqcow2.ErrUnsupported},
				"external":    {mutate: func(hdr []byte) { binary.BigEndian.PutUint64(hdr[72:80], gqcow2.IncompatExternalData) }, is: gqcow2.ErrUnsupported},
				"unknown bit": {mutate: func(hdr []byte) { binary.BigEndian.PutUint64(hdr[72:80], 1<<20) }, is: gqcow2.ErrUnsupported},
			}

			for name, c := range cases {
				t.Run(name, func(t *testing.T) {
					ti := buildImage(t, c.mutate)
					_, err := gqcow2.NewFileImage(bytes.NewReader(ti.raw), "bad")
					assert.ErrorIs(t, err, c.is)
				})
			}

			ti := buildImage(t, func(hdr []byte) { binary.BigEndian.PutUint32(hdr[4:8], 4) })
			_, err := gqcow2.NewFileImage(bytes.NewReader(ti.raw), "bad")
			assert.Error(t, err)

			ti = buildImage(t, func(hdr []byte) { binary.BigEndian.PutUint32(hdr[20:24], 8) })
			_, err = gqcow2.NewFileImage(bytes.NewReader(ti.raw), "bad")
			assert.Error(t, err)
		})

	t.Run("Reject L1 tables out of proportion",
		func(t *testing.T) {
			for _, l1Size := range []uint32{0, 0x00FFFFFF} {
				ti := buildImage(t, func(hdr []byte) { binary.BigEndian.PutUint32(hdr[36:40], l1Size) })
				_, err := gqcow2.NewFileImage(bytes.NewReader(ti.raw), "bad")
				assert.ErrorIs(t, err, gqcow2.ErrCorrupt)
			}
		})

	t.Run("Dirty images stay readable",
		func(t *testing.T) {
			ti := buildImage(t, func(hdr []byte) { binary.BigEndian.PutUint64(hdr[72:80], gqcow2.IncompatDirty) })
			_, err := gqcow2.NewFileImage(bytes.NewReader(ti.raw), "dirty")
			assert.NoError(t, err)
		})
}

func Test_FindL2Entry(t *testing.T) {
	image := openImage(t, buildImage(t, nil))

	entry, err := image.FindL2Entry(0)
	require.NoError(t, err)
	require.NotNil(t, entry.Standard)
	assert.True(t, entry.Flag)
	assert.Equal(t, uint64(1536), entry.Standard.DataOffset)

	entry, err = image.FindL2Entry(clusterSize)
	require.NoError(t, err)
	assert.True(t, entry.Unallocated())

	entry, err = image.FindL2Entry(2*clusterSize + 7)
	require.NoError(t, err)
	require.NotNil(t, entry.Compressed)
	assert.Equal(t, uint64(2048), entry.Compressed.DataOffset)
	assert.Equal(t, 0, entry.Compressed.AdditionalSectorCount)

	entry, err = image.FindL2Entry(3 * clusterSize)
	require.NoError(t, err)
	assert.True(t, entry.Standard.AllZero)

	_, err = image.FindL2Entry(4 * clusterSize)
	assert.Error(t, err)
}

func Test_ReadAt(t *testing.T) {
	t.Run("Guest view of every cluster kind",
		func(t *testing.T) {
			ti := buildImage(t, nil)
			image := openImage(t, ti)

			got := make([]byte, 4*clusterSize)
			n, err := image.ReadAt(got, 0)
			require.NoError(t, err)
			assert.Equal(t, len(got), n)

			want := make([]byte, 0, 4*clusterSize)
			want = append(want, ti.data...)
			want = append(want, make([]byte, clusterSize)...)
			want = append(want, ti.compressed...)
			want = append(want, make([]byte, clusterSize)...)
			assert.Equal(t, want, got)
		})

	t.Run("Unaligned read across clusters",
		func(t *testing.T) {
			ti := buildImage(t, nil)
			image := openImage(t, ti)

			got := make([]byte, 600)
			_, err := image.ReadAt(got, 1000)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, 24), got[:24])
			assert.Equal(t, ti.compressed[:512], got[24:536])
			assert.Equal(t, make([]byte, 64), got[536:])
		})

	t.Run("Short read at the end",
		func(t *testing.T) {
			image := openImage(t, buildImage(t, nil))

			got := make([]byte, 100)
			n, err := image.ReadAt(got, 2000)
			assert.Equal(t, 48, n)
			assert.ErrorIs(t, err, io.EOF)

			_, err = image.ReadAt(got, 2048)
			assert.ErrorIs(t, err, io.EOF)
		})

	t.Run("Unallocated clusters come from the backing file",
		func(t *testing.T) {
			image := openImage(t, buildImage(t, nil))
			image.Backing = bytes.NewReader(bytes.Repeat([]byte{0x42}, 2*clusterSize))

			got := make([]byte, clusterSize)
			_, err := image.ReadAt(got, clusterSize)
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte{0x42}, clusterSize), got)
		})
}

func Test_ImageMap(t *testing.T) {
	image := openImage(t, buildImage(t, nil))

	regions, err := image.Map()
	require.NoError(t, err)

	assert.Equal(t, []gqcow2.VirtualDiskRegion{
		{Start: 0, Length: 512, Present: true, Data: true, Offset: 1536},
		{Start: 512, Length: 512, Zero: true},
		{Start: 1024, Length: 512, Present: true, Data: true, Compressed: true},
		{Start: 1536, Length: 512, Present: true, Zero: true},
	}, regions)
}

type memDisk struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	return copy(m.buf[off:], p), nil
}

func Test_ImageConvertToRaw(t *testing.T) {
	ti := buildImage(t, nil)
	image := openImage(t, ti)

	disk := &memDisk{}
	require.NoError(t, gqcow2.Convert(context.Background(), image, disk))

	want := make([]byte, 4*clusterSize)
	_, err := image.ReadAt(want, 0)
	require.NoError(t, err)
	assert.Equal(t, want, disk.buf)
}
