package int13

import (
	"fmt"

	"go-int13/pkg/realmode"
)

// Registers is the slice of the CPU register file the disk services read
// and write.
type Registers struct {
	AX uint16 `json:"ax"`
	BX uint16 `json:"bx"`
	CX uint16 `json:"cx"`
	DX uint16 `json:"dx"`
	SI uint16 `json:"si"`
	DS uint16 `json:"ds"`
	// carry flag, set on failure
	CF bool `json:"cf"`
}

func (r *Registers) AH() uint8 { return uint8(r.AX >> 8) }
func (r *Registers) AL() uint8 { return uint8(r.AX) }
func (r *Registers) DL() uint8 { return uint8(r.DX) }

func (r *Registers) SetAH(v uint8) { r.AX = r.AX&0x00FF | uint16(v)<<8 }
func (r *Registers) SetAL(v uint8) { r.AX = r.AX&0xFF00 | uint16(v) }

// DSSI is the far pointer formed by DS:SI.
func (r *Registers) DSSI() realmode.FarPtr {
	return realmode.FarPtr{Segment: r.DS, Offset: r.SI}
}

func (r Registers) String() string {
	cf := 0
	if r.CF {
		cf = 1
	}
	return fmt.Sprintf("AX=%04X BX=%04X CX=%04X DX=%04X DS:SI=%04X:%04X CF=%d",
		r.AX, r.BX, r.CX, r.DX, r.DS, r.SI, cf)
}
