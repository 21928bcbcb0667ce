package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go-int13/pkg/dap"
	"go-int13/pkg/disk"
	"go-int13/pkg/int13"
	"go-int13/pkg/realmode"
	"go-int13/pkg/server"
)

const firstHardDisk = 0x80

type serveConfig struct {
	Addr       string
	Images     []string
	Format     string
	MaxSectors uint16
	A20        bool
}

func newServeCmd() *cobra.Command {
	var cfg serveConfig

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve packet coding and INT 13h reads over HTTP",
		Long: `serve attaches each --image as a hard disk, the first at 0x80, and
exposes the emulated disk service under /api.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	f.StringSliceVar(&cfg.Images, "image", nil, "disk image to attach, repeatable")
	f.StringVar(&cfg.Format, "format", "auto", "image format: auto, raw, qcow2")
	f.Uint16Var(&cfg.MaxSectors, "max-sectors", dap.MaxSectors, "per-call transfer limit")
	f.BoolVar(&cfg.A20, "a20", false, "enable the A20 gate")
	return cmd
}

func runServe(ctx context.Context, cfg serveConfig) error {
	logger := slog.Default()

	if len(cfg.Images) > 0xFF-firstHardDisk+1 {
		return errors.New("too many images")
	}

	mem := realmode.NewMemory()
	mem.SetA20(cfg.A20)
	svc := int13.New(mem, int13.WithLogger(logger), int13.WithMaxSectors(cfg.MaxSectors))

	for i, path := range cfg.Images {
		d, closer, err := disk.Open(path, cfg.Format)
		if err != nil {
			return err
		}
		defer closer.Close()

		dl := uint8(firstHardDisk + i)
		if err := svc.Attach(dl, d); err != nil {
			return err
		}
		logger.Info("attached", "drive", dl, "image", path, "sectors", d.Sectors())
	}

	srv := server.New(svc, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Listen(cfg.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
