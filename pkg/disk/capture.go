package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrNotCaptured = errors.New("sector range was never captured")

// captureName is the file holding one read: "<offset>.<length>.r".
func captureName(dir string, off int64, length int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%d.r", off, length))
}

// Recorder passes reads through to a drive and saves what each one
// returned, so the same read sequence can be replayed later without the
// image. A later read of the same range overwrites the capture.
type Recorder struct {
	Drive
	dir    string
	logger *slog.Logger
}

// sizeFile records the size of the captured drive in sectors.
const sizeFile = "drive.sectors"

func NewRecorder(d Drive, dir string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	size := strconv.FormatUint(d.Sectors(), 10) + "\n"
	if err := os.WriteFile(filepath.Join(dir, sizeFile), []byte(size), 0o644); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{Drive: d, dir: dir, logger: logger}, nil
}

func (r *Recorder) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.Drive.ReadAt(p, off)
	r.logger.Debug("r", "offset", off, "length", len(p), "read", n)
	if n > 0 {
		if werr := os.WriteFile(captureName(r.dir, off, len(p)), p[:n], 0o644); werr != nil {
			return n, errors.Join(err, werr)
		}
	}
	return n, err
}

// Replayer serves reads only from captures left by a Recorder. A read
// must match a captured offset and length exactly.
type Replayer struct {
	dir        string
	sectors    uint64
	sectorSize int
	logger     *slog.Logger
}

// NewReplayer serves a drive of the given size in sectors from dir. A
// size of 0 takes the size the Recorder saved, or without one, the
// furthest captured byte.
func NewReplayer(dir string, sectors uint64, logger *slog.Logger) (*Replayer, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if sectors == 0 {
		sectors, err = capturedSectors(dir)
		if err != nil {
			return nil, err
		}
	}
	return &Replayer{dir: dir, sectors: sectors, sectorSize: SectorSize, logger: logger}, nil
}

func capturedSectors(dir string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, sizeFile))
	if err == nil {
		sectors, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", sizeFile, err)
		}
		return sectors, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return 0, err
	}

	end, err := captureEnd(dir)
	if err != nil {
		return 0, err
	}
	return uint64((end + SectorSize - 1) / SectorSize), nil
}

func captureEnd(dir string) (int64, error) {
	names, err := filepath.Glob(filepath.Join(dir, "*.*.r"))
	if err != nil {
		return 0, err
	}

	var end int64
	for _, name := range names {
		var off int64
		var length int
		if _, err := fmt.Sscanf(filepath.Base(name), "%d.%d.r", &off, &length); err != nil {
			continue
		}
		end = max(end, off+int64(length))
	}
	return end, nil
}

func (r *Replayer) SectorSize() int { return r.sectorSize }

func (r *Replayer) Sectors() uint64 { return r.sectors }

func (r *Replayer) ReadAt(p []byte, off int64) (int, error) {
	r.logger.Debug("r emulated", "offset", off, "length", len(p))

	data, err := os.ReadFile(captureName(r.dir, off, len(p)))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: offset %d length %d", ErrNotCaptured, off, len(p))
	}
	if err != nil {
		return 0, err
	}

	n := copy(p, data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
