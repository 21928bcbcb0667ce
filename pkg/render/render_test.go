package render_test

import (
	"testing"

	"go-int13/pkg/dap"
	"go-int13/pkg/realmode"
	"go-int13/pkg/render"

	"github.com/stretchr/testify/assert"
)

func Test_Packet(t *testing.T) {
	out := render.Packet(dap.New(1, realmode.FarPtr{Offset: 0x7E00}, 1))

	for _, want := range []string{"Disk Address Packet", "numsectors", "0x0001", "0x7e00", "0000:7E00", "linear 0x7e00", "16"} {
		assert.Contains(t, out, want)
	}

	flat := render.Packet(dap.NewFlat(1, 0x200000, 0))
	assert.Contains(t, flat, "flat 0x200000")
	assert.Contains(t, flat, "flat_buffer")
}

func Test_KeyValues(t *testing.T) {
	out := render.KeyValues([][2]string{{"a", "1"}, {"long", "2"}})
	assert.Contains(t, out, "a:")
	assert.Contains(t, out, "long:")
	assert.Contains(t, out, "2")
}
