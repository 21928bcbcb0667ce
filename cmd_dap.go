package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"go-int13/pkg/dap"
	"go-int13/pkg/realmode"
	"go-int13/pkg/render"
)

type encodeConfig struct {
	Sectors uint16
	Buffer  string
	LBA     uint64
	Flat    uint64
	Output  string
}

func newDapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dap",
		Short: "Encode and decode disk address packets",
	}
	cmd.AddCommand(newDapEncodeCmd(), newDapDecodeCmd())
	return cmd
}

func newDapEncodeCmd() *cobra.Command {
	var cfg encodeConfig

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Build a packet and print its bytes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var p dap.DiskAddressPacket
			if cmd.Flags().Changed("flat") {
				p = dap.NewFlat(cfg.Sectors, cfg.Flat, cfg.LBA)
			} else {
				buffer, err := realmode.ParseFarPtr(cfg.Buffer)
				if err != nil {
					return err
				}
				p = dap.New(cfg.Sectors, buffer, cfg.LBA)
			}

			raw, err := p.MarshalBinary()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch cfg.Output {
			case "hex":
				fmt.Fprintln(out, spacedHex(raw))
			case "raw":
				_, err = out.Write(raw)
			case "table":
				fmt.Fprintln(out, render.Packet(p))
			default:
				err = fmt.Errorf("unknown output %q", cfg.Output)
			}
			return err
		},
	}

	cmd.Flags().Uint16Var(&cfg.Sectors, "sectors", 1, "number of sectors to transfer")
	cmd.Flags().StringVar(&cfg.Buffer, "buffer", "0000:7E00", "destination buffer as SSSS:OOOO")
	cmd.Flags().Uint64Var(&cfg.LBA, "lba", 0, "first sector")
	cmd.Flags().Uint64Var(&cfg.Flat, "flat", 0, "flat 64-bit buffer address (builds a 24-byte packet)")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "hex", "output: hex, raw, table")
	return cmd
}

func newDapDecodeCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "decode [hex bytes...]",
		Short: "Decode a packet from hex or a binary file",
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			switch {
			case file != "":
				raw, err = os.ReadFile(file)
			case len(args) > 0:
				raw, err = hex.DecodeString(strings.Join(args, ""))
			default:
				return fmt.Errorf("give the packet as hex arguments or with --file")
			}
			if err != nil {
				return err
			}

			p, err := dap.Parse(raw)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, render.Packet(p))
			fmt.Fprintln(out, p)
			if err := p.Validate(0); err != nil {
				fmt.Fprintf(out, "warning: %v\n", strings.ReplaceAll(err.Error(), "\n", "; "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the packet from a binary file")
	return cmd
}

func spacedHex(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}
