package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := cmd.Execute()
	return out.String(), err
}

func Test_DapEncode(t *testing.T) {
	t.Run("Default boot sector read",
		func(t *testing.T) {
			out, err := execute(t, "dap", "encode", "--lba", "1")
			require.NoError(t, err)
			assert.Equal(t, "10 00 01 00 00 7E 00 00 01 00 00 00 00 00 00 00\n", out)
		})

	t.Run("Flat buffer builds the long form",
		func(t *testing.T) {
			out, err := execute(t, "dap", "encode", "--flat", "0x100000")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, "18 00 01 00 FF FF FF FF"))
		})

	t.Run("Bad buffer pointer",
		func(t *testing.T) {
			_, err := execute(t, "dap", "encode", "--buffer", "7E00")
			assert.Error(t, err)
		})
}

func Test_DapDecode(t *testing.T) {
	out, err := execute(t, "dap", "decode", "10 00 01 00 00 7e 00 00 01 00 00 00 00 00 00 00")
	require.NoError(t, err)
	assert.Contains(t, out, "startsectors = 0x1")
	assert.NotContains(t, out, "warning")

	_, err = execute(t, "dap", "decode", "0c0001000000")
	assert.Error(t, err)
}

func Test_Read(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")

	raw := make([]byte, 4*512)
	copy(raw[512:], "second sector")
	require.NoError(t, os.WriteFile(image, raw, 0o644))

	captures := filepath.Join(dir, "captures")
	require.NoError(t, os.Mkdir(captures, 0o755))

	out, err := execute(t, "read", "--image", image, "--lba", "1", "--record", captures)
	require.NoError(t, err)
	assert.Contains(t, out, "second sector")

	entries, err := os.ReadDir(captures)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	out, err = execute(t, "read", "--replay", captures, "--lba", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "second sector")

	_, err = execute(t, "read", "--image", image, "--lba", "4")
	assert.Error(t, err)

	out, err = execute(t, "read", "--image", image, "--sectors", "128")
	assert.ErrorContains(t, err, "transfer limit")
	assert.Empty(t, out)
}

func Test_ImageInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))

	out, err := execute(t, "image", "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "raw")
}

func Test_RecordKeepsDriveSize(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(image, make([]byte, 64*512), 0o644))
	captures := filepath.Join(dir, "captures")

	_, err := execute(t, "read", "--image", image, "--record", captures)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(captures, "drive.sectors"))
	require.NoError(t, err)
	assert.Equal(t, "64\n", string(raw))

	_, err = execute(t, "read", "--replay", captures, "--replay-sectors", "2", "--lba", "3")
	assert.Error(t, err)
}
