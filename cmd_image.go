package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go-int13/pkg/disk"
	"go-int13/pkg/gqcow2"
	"go-int13/pkg/int13"
	"go-int13/pkg/render"
)

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Inspect and convert disk images",
	}
	cmd.AddCommand(newImageInfoCmd(), newImageMapCmd(), newImageConvertCmd())
	return cmd
}

func newImageInfoCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "info <image>",
		Short: "Show the image layout and the geometry the BIOS reports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, closer, err := disk.Open(args[0], format)
			if err != nil {
				return err
			}
			defer closer.Close()

			pairs := [][2]string{
				{"file", args[0]},
				{"sectors", fmt.Sprintf("%d", d.Sectors())},
				{"sector size", fmt.Sprintf("%d", d.SectorSize())},
			}

			kind := strings.ToLower(format)
			if kind == "" || kind == "auto" {
				if kind, err = disk.DetectFormat(args[0]); err != nil {
					return err
				}
			}
			if kind == "qcow2" {
				image, imgCloser, err := disk.OpenImage(args[0])
				if err != nil {
					return err
				}
				defer imgCloser.Close()
				pairs = append(pairs, imagePairs(image)...)
			} else {
				pairs = append(pairs, [2]string{"format", kind})
			}

			params := int13.ParametersFor(d)
			pairs = append(pairs,
				[2]string{"cylinders", fmt.Sprintf("%d", params.Cylinders)},
				[2]string{"heads", fmt.Sprintf("%d", params.Heads)},
				[2]string{"sectors/track", fmt.Sprintf("%d", params.SectorsPerTrack)},
			)

			fmt.Fprintln(cmd.OutOrStdout(), render.Box("Disk Image", render.KeyValues(pairs)))
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "auto", "image format: auto, raw, qcow2")
	return cmd
}

func imagePairs(image *gqcow2.Image) [][2]string {
	pairs := [][2]string{
		{"format", "qcow2"},
		{"version", fmt.Sprintf("%d", image.Header.Version)},
		{"virtual size", fmt.Sprintf("%d", image.Size())},
		{"cluster size", fmt.Sprintf("%d", image.Header.ClusterSize())},
		{"l1 entries", fmt.Sprintf("%d", image.Header.L1Size)},
		{"snapshots", fmt.Sprintf("%d", image.Header.NumSnapshots)},
	}
	if image.Header.IncompatibleFeatures&gqcow2.IncompatDirty != 0 {
		pairs = append(pairs, [2]string{"dirty", "yes"})
	}
	if name, err := image.BackingFileName(); err == nil && name != "" {
		pairs = append(pairs, [2]string{"backing file", name})
	}
	return pairs
}

func newImageMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map <image>",
		Short: "Print the allocation map like qemu-img map --output=json",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, closer, err := disk.OpenImage(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			regions, err := image.Map()
			if err != nil {
				return err
			}

			output, err := json.Marshal(regions)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", output)
			return nil
		},
	}
}

func newImageConvertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "convert <qcow2 image> <raw output>",
		Short: "Write the guest view of a qcow2 image as a raw disk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, closer, err := disk.OpenImage(args[0])
			if err != nil {
				return err
			}
			defer closer.Close()

			dst, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := gqcow2.Convert(cmd.Context(), image, dst); err != nil {
				dst.Close()
				return err
			}
			slog.Info("converted", "src", args[0], "dst", args[1], "bytes", image.Size())
			return dst.Close()
		},
	}
}
