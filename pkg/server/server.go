// Package server exposes packet coding and the emulated disk service over
// HTTP.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"go-int13/pkg/dap"
	"go-int13/pkg/int13"
	"go-int13/pkg/realmode"
)

// scratch locations in guest memory for packets and parameter buffers
var (
	packetAt = realmode.FarPtr{Segment: 0x0000, Offset: 0x0500}
	paramsAt = realmode.FarPtr{Segment: 0x0000, Offset: 0x0520}
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Status string   `json:"status"`
	Drives []string `json:"drives"`
}

type PacketResponse struct {
	Packet dap.DiskAddressPacket `json:"packet"`
	Hex    string                `json:"hex"`
	Linear uint64                `json:"linear"`
	LBA    uint64                `json:"lba"`
	// Invalid lists what a BIOS would refuse in this packet.
	Invalid string `json:"invalid,omitempty"`
}

type DecodeRequest struct {
	Hex string `json:"hex"`
}

type ReadRequest struct {
	Drive  string                `json:"drive"`
	Packet dap.DiskAddressPacket `json:"packet"`
}

type ReadResponse struct {
	Status      uint8           `json:"status"`
	StatusText  string          `json:"status_text"`
	Carry       bool            `json:"carry"`
	Transferred uint16          `json:"transferred"`
	Registers   int13.Registers `json:"registers"`
	Data        string          `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type Server struct {
	app    *fiber.App
	logger *slog.Logger

	// one guest machine: interrupt calls run one at a time
	mu  sync.Mutex
	svc *int13.Service
}

func New(svc *int13.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		app:    fiber.New(fiber.Config{DisableStartupMessage: true}),
		logger: logger,
		svc:    svc,
	}

	s.app.Use(cors.New())

	api := s.app.Group("/api")
	api.Get("/status", s.status)
	api.Post("/dap/encode", s.encode)
	api.Post("/dap/decode", s.decode)
	api.Post("/int13/read", s.read)
	api.Get("/int13/drives/:drive/params", s.params)

	return s
}

func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: err.Error()})
}

func parseDrive(s string) (uint8, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid drive number %q", s)
	}
	return uint8(v), nil
}

func packetResponse(p dap.DiskAddressPacket) (PacketResponse, error) {
	raw, err := p.MarshalBinary()
	if err != nil {
		return PacketResponse{}, err
	}

	resp := PacketResponse{
		Packet: p,
		Hex:    hex.EncodeToString(raw),
		Linear: p.BufferAddress(),
		LBA:    p.LBA(),
	}
	if err := p.Validate(0); err != nil {
		resp.Invalid = err.Error()
	}
	return resp, nil
}

func (s *Server) status(c *fiber.Ctx) error {
	s.mu.Lock()
	dls := s.svc.Drives()
	s.mu.Unlock()

	drives := make([]string, 0, len(dls))
	for _, dl := range dls {
		drives = append(drives, fmt.Sprintf("%#02x", dl))
	}
	return c.JSON(StatusResponse{Status: "ok", Drives: drives})
}

func (s *Server) encode(c *fiber.Ctx) error {
	var p dap.DiskAddressPacket
	if err := c.BodyParser(&p); err != nil {
		return badRequest(c, err)
	}
	if p.Size == 0 {
		p.Size = dap.PacketSize
	}

	resp, err := packetResponse(p)
	if err != nil {
		return badRequest(c, err)
	}
	return c.JSON(resp)
}

func (s *Server) decode(c *fiber.Ctx) error {
	var req DecodeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}

	raw, err := hex.DecodeString(strings.Join(strings.Fields(req.Hex), ""))
	if err != nil {
		return badRequest(c, err)
	}
	p, err := dap.Parse(raw)
	if err != nil {
		return badRequest(c, err)
	}

	resp, err := packetResponse(p)
	if err != nil {
		return badRequest(c, err)
	}
	return c.JSON(resp)
}

func (s *Server) read(c *fiber.Ctx) error {
	var req ReadRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, err)
	}
	dl, err := parseDrive(req.Drive)
	if err != nil {
		return badRequest(c, err)
	}
	if req.Packet.Size == 0 {
		req.Packet.Size = dap.PacketSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, callErr := s.svc.ExtendedRead(c.UserContext(), dl, req.Packet, packetAt)

	var biosErr *int13.Error
	if callErr != nil && !errors.As(callErr, &biosErr) {
		// the packet never reached the service
		return badRequest(c, callErr)
	}

	resp := ReadResponse{
		Status:      res.Registers.AH(),
		StatusText:  int13.Status(res.Registers.AH()).String(),
		Carry:       res.Registers.CF,
		Transferred: res.Transferred,
		Registers:   res.Registers,
	}
	if callErr != nil {
		resp.Error = callErr.Error()
	}

	if d, ok := s.svc.Drive(dl); ok && res.Transferred > 0 {
		data := make([]byte, int(res.Transferred)*d.SectorSize())
		if _, err := s.svc.Memory().ReadAt(data, int64(req.Packet.BufferAddress())); err != nil {
			return err
		}
		resp.Data = hex.EncodeToString(data)
	}

	return c.JSON(resp)
}

func (s *Server) params(c *fiber.Ctx) error {
	dl, err := parseDrive(c.Params("drive"))
	if err != nil {
		return badRequest(c, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := s.svc.DriveParameters(c.UserContext(), dl, paramsAt)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: err.Error()})
	}
	return c.JSON(params)
}
