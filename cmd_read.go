package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"go-int13/pkg/dap"
	"go-int13/pkg/disk"
	"go-int13/pkg/int13"
	"go-int13/pkg/realmode"
)

type readConfig struct {
	Image      string
	Format     string
	Drive      uint8
	LBA        uint64
	Sectors    uint16
	Buffer     string
	PacketAt   string
	MaxSectors uint16
	A20        bool
	Record     string
	Replay     string
	ReplaySize uint64
	Out        string
}

func newReadCmd() *cobra.Command {
	var cfg readConfig

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Issue INT 13h AH=42h against a disk image and dump the buffer",
		Long: `read places a disk address packet in emulated real-mode memory, checks
for extensions with AH=41h and performs the extended read with AH=42h,
like a boot loader would. With --record every read is also saved to a
directory, and --replay serves the reads from such a directory instead
of an image.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Image, "image", "", "disk image to read from")
	f.StringVar(&cfg.Format, "format", "auto", "image format: auto, raw, qcow2")
	f.Uint8Var(&cfg.Drive, "drive", 0x80, "BIOS drive number (DL)")
	f.Uint64Var(&cfg.LBA, "lba", 0, "first sector")
	f.Uint16Var(&cfg.Sectors, "sectors", 1, "number of sectors")
	f.StringVar(&cfg.Buffer, "buffer", "0000:7E00", "destination buffer as SSSS:OOOO")
	f.StringVar(&cfg.PacketAt, "packet-at", "0000:0500", "where the packet is placed (DS:SI)")
	f.Uint16Var(&cfg.MaxSectors, "max-sectors", dap.MaxSectors, "per-call transfer limit")
	f.BoolVar(&cfg.A20, "a20", false, "enable the A20 gate")
	f.StringVar(&cfg.Record, "record", "", "save every sector read to this directory")
	f.StringVar(&cfg.Replay, "replay", "", "serve reads from captures in this directory")
	f.Uint64Var(&cfg.ReplaySize, "replay-sectors", 0, "drive size in sectors when replaying (default: as recorded)")
	f.StringVar(&cfg.Out, "out", "", "write the buffer to this file instead of a hex dump")
	return cmd
}

func openDrive(cfg readConfig, logger *slog.Logger) (disk.Drive, io.Closer, error) {
	if cfg.Replay != "" {
		d, err := disk.NewReplayer(cfg.Replay, cfg.ReplaySize, logger)
		return d, io.NopCloser(nil), err
	}
	if cfg.Image == "" {
		return nil, nil, errors.New("--image or --replay is required")
	}

	d, closer, err := disk.Open(cfg.Image, cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Record == "" {
		return d, closer, nil
	}

	rec, err := disk.NewRecorder(d, cfg.Record, logger)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return rec, closer, nil
}

func runRead(cmd *cobra.Command, cfg readConfig) error {
	logger := slog.Default()

	buffer, err := realmode.ParseFarPtr(cfg.Buffer)
	if err != nil {
		return err
	}
	packetAt, err := realmode.ParseFarPtr(cfg.PacketAt)
	if err != nil {
		return err
	}

	d, closer, err := openDrive(cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	mem := realmode.NewMemory()
	mem.SetA20(cfg.A20)

	svc := int13.New(mem, int13.WithLogger(logger), int13.WithMaxSectors(cfg.MaxSectors))
	if err := svc.Attach(cfg.Drive, d); err != nil {
		return err
	}

	ctx := cmd.Context()
	version, iface, err := svc.CheckExtensions(ctx, cfg.Drive)
	if err != nil {
		return err
	}
	logger.Info("extensions present", "version", fmt.Sprintf("%#02x", version), "interface", fmt.Sprintf("%b", iface))

	packet := dap.New(cfg.Sectors, buffer, cfg.LBA)
	logger.Info("dap", "at", packetAt, "packet", packet.String())

	res, readErr := svc.ExtendedRead(ctx, cfg.Drive, packet, packetAt)
	logger.Info("int 13h ah=42h returned", "registers", res.Registers.String(), "transferred", res.Transferred)

	data := make([]byte, int(res.Transferred)*d.SectorSize())
	if _, err := mem.ReadAt(data, int64(packet.BufferAddress())); err != nil {
		return errors.Join(readErr, err)
	}

	if cfg.Out != "" {
		if err := os.WriteFile(cfg.Out, data, 0o644); err != nil {
			return errors.Join(readErr, err)
		}
	} else {
		fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
	}

	return readErr
}
