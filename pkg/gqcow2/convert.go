package gqcow2

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"
)

const convertChunk = 1 << 20

// Convert writes the guest view of image to dst as a raw disk. Regions are
// copied concurrently; dst must accept concurrent WriteAt calls to
// disjoint ranges, which *os.File does.
func Convert(ctx context.Context, image *Image, dst io.WriterAt) error {
	regions, err := image.Map()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	zeros := make([]byte, convertChunk)
	for _, region := range regions {
		g.Go(func() error {
			if region.Zero && image.Backing == nil {
				return writeZeros(ctx, dst, zeros, region)
			}
			return copyRegion(ctx, image, dst, region)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("converting %s: %w", image.Name, err)
	}
	return nil
}

func writeZeros(ctx context.Context, dst io.WriterAt, zeros []byte, region VirtualDiskRegion) error {
	for done := uint64(0); done < region.Length; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint64(len(zeros)), region.Length-done)
		if _, err := dst.WriteAt(zeros[:n], int64(region.Start+done)); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func copyRegion(ctx context.Context, image *Image, dst io.WriterAt, region VirtualDiskRegion) error {
	buf := make([]byte, min(convertChunk, region.Length))
	for done := uint64(0); done < region.Length; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := min(uint64(len(buf)), region.Length-done)
		pos := int64(region.Start + done)
		if _, err := image.ReadAt(buf[:n], pos); err != nil && err != io.EOF {
			return err
		}
		if _, err := dst.WriteAt(buf[:n], pos); err != nil {
			return err
		}
		done += n
	}
	return nil
}
