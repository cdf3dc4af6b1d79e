package pcie

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWidthEncoding(t *testing.T) {
	tests := []struct {
		width       uint8
		linkCapable uint32
		numLanes    uint32
		portLink    uint32 // PortLinkCtrl 从 0 开始编程后的值
		gen2        uint32
		linkCap     uint32 // LinkCap 宽度字段，速率 Gen4
	}{
		{2, 0x03, 0x02, 0x00030000, 0x00000200, 0x00000024},
		{4, 0x07, 0x04, 0x00070000, 0x00000400, 0x00000044},
		{8, 0x0F, 0x08, 0x000F0000, 0x00000800, 0x00000084},
		{16, 0x1F, 0x10, 0x001F0000, 0x00001000, 0x00000104},
	}
	for _, tt := range tests {
		enc, ok := widthTable[tt.width]
		require.True(t, ok, "x%d", tt.width)
		assert.Equal(t, tt.linkCapable, enc.linkCapable, "x%d link capable", tt.width)
		assert.Equal(t, tt.numLanes, enc.numLanes, "x%d num lanes", tt.width)
		assert.Equal(t, tt.portLink, uint32(PortLinkCtrlReg(0).WithLinkCapable(enc.linkCapable)))
		assert.Equal(t, tt.gen2, uint32(Gen2CtrlReg(0).WithNumLanes(enc.numLanes)))
		assert.Equal(t, tt.linkCap, uint32(LinkCapReg(0).WithMaxWidth(tt.width).WithMaxSpeed(4)))
	}
	_, ok := widthTable[3]
	assert.False(t, ok)
}

func TestLinkStatusReg(t *testing.T) {
	r := LinkStatusReg(1<<29 | 8<<20 | 3<<16)
	assert.Equal(t, uint8(8), r.Width())
	assert.Equal(t, uint8(3), r.Speed())
	assert.True(t, r.DllActive())
	assert.False(t, r.Training())
	assert.Equal(t, LinkCap{Width: 8, Speed: 3}, r.Negotiated())
}

func TestBusNumberWithDownstream(t *testing.T) {
	r := BusNumberReg(0xAA332211)
	got := r.WithDownstream(5)
	assert.Equal(t, uint8(0x11), got.Primary())
	assert.Equal(t, uint8(5), got.Secondary())
	assert.Equal(t, uint8(5), got.Subordinate())
	assert.Equal(t, uint32(0xAA000000), uint32(got)&0xFF000000)
}

func TestRasCtrlReg(t *testing.T) {
	r := RasCtrlReg(0).WithEnable(rasEnableAll).WithSelect(3, 2, 0x05)
	assert.Equal(t, uint32(7), r.Enable())
	assert.Equal(t, uint8(3), r.Lane())
	assert.Equal(t, uint8(2), r.Group())
	assert.Equal(t, uint8(5), r.Event())
	assert.Equal(t, uint32(0x02050300|7<<2), uint32(r))
}

func TestDevMapReg(t *testing.T) {
	r := MakeDevMapReg(DevMapMode3, DevMapMode2)
	assert.Equal(t, uint32(0x12), uint32(r))
	assert.Equal(t, DevMapMode3, r.Low())
	assert.Equal(t, DevMapMode2, r.High())
}
