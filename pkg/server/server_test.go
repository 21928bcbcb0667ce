package server_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-int13/pkg/disk"
	"go-int13/pkg/int13"
	"go-int13/pkg/realmode"
	"go-int13/pkg/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*server.Server, []byte) {
	t.Helper()

	raw := make([]byte, 4*disk.SectorSize)
	for i := range raw {
		raw[i] = byte(i / disk.SectorSize)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := int13.New(realmode.NewMemory(), int13.WithLogger(logger))
	require.NoError(t, svc.Attach(0x80, disk.NewRawDrive(bytes.NewReader(raw), int64(len(raw)))))

	return server.New(svc, logger), raw
}

func do(t *testing.T, s *server.Server, method, path string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func Test_Status(t *testing.T) {
	s, _ := newServer(t)

	var resp server.StatusResponse
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/status", nil, &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, []string{"0x80"}, resp.Drives)
}

func Test_Encode(t *testing.T) {
	s, _ := newServer(t)

	var resp server.PacketResponse
	code := do(t, s, http.MethodPost, "/api/dap/encode", map[string]any{
		"numsectors":     1,
		"buffer_offset":  0x7E00,
		"buffer_segment": 0,
		"startsectors":   1,
	}, &resp)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "10000100007e00000100000000000000", resp.Hex)
	assert.Equal(t, uint64(0x7E00), resp.Linear)
	assert.Empty(t, resp.Invalid)

	var bad server.ErrorResponse
	code = do(t, s, http.MethodPost, "/api/dap/encode", map[string]any{"size": 12}, &bad)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, bad.Error)
}

func Test_Decode(t *testing.T) {
	s, _ := newServer(t)

	var resp server.PacketResponse
	code := do(t, s, http.MethodPost, "/api/dap/decode", server.DecodeRequest{
		Hex: "10 01 80 00 00 7e 00 00 01 00 00 00 00 00 00 00",
	}, &resp)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, uint16(0x80), resp.Packet.NumSectors)
	assert.Equal(t, uint64(1), resp.LBA)
	assert.Contains(t, resp.Invalid, "reserved")
	assert.Contains(t, resp.Invalid, "transfer limit")

	code = do(t, s, http.MethodPost, "/api/dap/decode", server.DecodeRequest{Hex: "zz"}, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func Test_Read(t *testing.T) {
	t.Run("Successful read returns the buffer",
		func(t *testing.T) {
			s, raw := newServer(t)

			var resp server.ReadResponse
			code := do(t, s, http.MethodPost, "/api/int13/read", map[string]any{
				"drive": "0x80",
				"packet": map[string]any{
					"numsectors":     2,
					"buffer_offset":  0x7E00,
					"buffer_segment": 0,
					"startsectors":   1,
				},
			}, &resp)

			assert.Equal(t, http.StatusOK, code)
			assert.False(t, resp.Carry)
			assert.Equal(t, uint8(0), resp.Status)
			assert.Equal(t, uint16(2), resp.Transferred)

			data, err := hex.DecodeString(resp.Data)
			require.NoError(t, err)
			assert.Equal(t, raw[disk.SectorSize:3*disk.SectorSize], data)
		})

	t.Run("BIOS failure is reported, not a transport error",
		func(t *testing.T) {
			s, _ := newServer(t)

			var resp server.ReadResponse
			code := do(t, s, http.MethodPost, "/api/int13/read", map[string]any{
				"drive":  "0x81",
				"packet": map[string]any{"numsectors": 1, "buffer_offset": 0x7E00},
			}, &resp)

			assert.Equal(t, http.StatusOK, code)
			assert.True(t, resp.Carry)
			assert.Equal(t, uint8(0x01), resp.Status)
			assert.Equal(t, uint16(0), resp.Transferred)
			assert.Empty(t, resp.Data)
			assert.NotEmpty(t, resp.Error)
		})

	t.Run("Refused packet returns no data",
		func(t *testing.T) {
			s, _ := newServer(t)

			var resp server.ReadResponse
			code := do(t, s, http.MethodPost, "/api/int13/read", map[string]any{
				"drive":  "0x80",
				"packet": map[string]any{"numsectors": 0x80, "buffer_offset": 0x7E00},
			}, &resp)

			assert.Equal(t, http.StatusOK, code)
			assert.True(t, resp.Carry)
			assert.Equal(t, uint8(0x01), resp.Status)
			assert.Equal(t, uint16(0), resp.Transferred)
			assert.Empty(t, resp.Data)
		})

	t.Run("Bad drive number",
		func(t *testing.T) {
			s, _ := newServer(t)

			code := do(t, s, http.MethodPost, "/api/int13/read", map[string]any{"drive": "disk0"}, nil)
			assert.Equal(t, http.StatusBadRequest, code)
		})
}

func Test_Params(t *testing.T) {
	s, _ := newServer(t)

	var params int13.DriveParameters
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/api/int13/drives/0x80/params", nil, &params))
	assert.Equal(t, uint64(4), params.TotalSectors)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/int13/drives/0x81/params", nil, nil))
}
