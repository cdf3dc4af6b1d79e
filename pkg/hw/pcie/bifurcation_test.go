package pcie_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcie_tool/internal/testutils"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
	"pcie_tool/pkg/logutil"
)

func liveCaps(mask uint8, c3Width uint8) [4]uint32 {
	var caps [4]uint32
	for i := range caps {
		if mask&(1<<i) == 0 {
			continue
		}
		w := uint8(4)
		if i == 3 {
			w = c3Width
		}
		caps[i] = uint32(pcie.LinkCapReg(0).WithMaxWidth(w).WithMaxSpeed(4))
	}
	return caps
}

func TestDecideDevMapAllCombinations(t *testing.T) {
	// mask 的 bit i 表示 Ci 有响应
	want := map[uint8]pcie.DevMap{
		0b0001: pcie.DevMapMode1,
		0b0010: pcie.DevMapMode4,
		0b0011: pcie.DevMapMode4,
		0b0100: pcie.DevMapMode2,
		0b0101: pcie.DevMapMode2,
		0b0110: pcie.DevMapMode4,
		0b0111: pcie.DevMapMode4,
		0b1000: pcie.DevMapMode3,
		0b1001: pcie.DevMapMode3,
		0b1010: pcie.DevMapMode4,
		0b1011: pcie.DevMapMode4,
		0b1100: pcie.DevMapMode3,
		0b1101: pcie.DevMapMode3,
		0b1110: pcie.DevMapMode4,
		0b1111: pcie.DevMapMode4,
	}
	for mask := uint8(0); mask < 16; mask++ {
		t.Run(fmt.Sprintf("%04b", mask), func(t *testing.T) {
			got, ok := pcie.DecideDevMap(pcie.TypeA, liveCaps(mask, 4))
			assert.True(t, got.Valid(), "只能是四种模式之一")
			if mask == 0 {
				assert.False(t, ok)
				assert.Equal(t, pcie.DevMapMode1, got)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, want[mask], got)
		})
	}
}

func TestDecideDevMapOnlyC3(t *testing.T) {
	tests := []struct {
		typ   pcie.RootComplexType
		width uint8
		want  pcie.DevMap
	}{
		{pcie.TypeA, 16, pcie.DevMapMode2},
		{pcie.TypeA, 8, pcie.DevMapMode2},
		{pcie.TypeA, 4, pcie.DevMapMode3},
		{pcie.TypeB, 8, pcie.DevMapMode2},
		{pcie.TypeB, 4, pcie.DevMapMode2},
		{pcie.TypeB, 2, pcie.DevMapMode3},
	}
	for _, tt := range tests {
		got, ok := pcie.DecideDevMap(tt.typ, liveCaps(0b1000, tt.width))
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, "type %s x%d", tt.typ, tt.width)
	}
}

func TestResolveTypeA(t *testing.T) {
	tests := []struct {
		name   string
		cards  []*sim.Endpoint
		devmap pcie.DevMap
		up     int
		width  uint8
	}{
		{"x16", []*sim.Endpoint{{Lane: 0, Width: 16, Speed: 4}}, pcie.DevMapMode1, 0, 16},
		{"x8-upper", []*sim.Endpoint{{Lane: 8, Width: 8, Speed: 4}}, pcie.DevMapMode2, 2, 8},
		{"x8-reversed", []*sim.Endpoint{{Lane: 8, Width: 8, Speed: 4, Reversed: true}}, pcie.DevMapMode2, 2, 8},
		{"x4-last", []*sim.Endpoint{{Lane: 12, Width: 4, Speed: 3}}, pcie.DevMapMode3, 3, 4},
		{"x4-quad", []*sim.Endpoint{{Lane: 4, Width: 4, Speed: 4}, {Lane: 12, Width: 4, Speed: 4}}, pcie.DevMapMode4, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapAuto, pcie.DevMapMode1))
			rc, hw := b.RC(0)
			for _, ep := range tt.cards {
				hw.Plug(ep)
			}
			require.NoError(t, b.Core.Init())

			assert.Equal(t, tt.devmap, rc.DevMapLow)
			low, _ := hw.DevMap()
			assert.Equal(t, tt.devmap, low, "host bridge 里写的是解析结果")
			assert.False(t, rc.NeedsBifurcation())
			c := rc.Pcie[tt.up]
			assert.True(t, c.Active)
			assert.True(t, c.LinkUp)
			assert.Equal(t, tt.width, c.LinkWidth)
		})
	}
}

func TestResolveNoCardPending(t *testing.T) {
	buf := testutils.CaptureLog(t, logutil.INFO)
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapAuto, pcie.DevMapMode1))
	rc, _ := b.RC(0)

	low, _, err := b.Core.Resolver().Resolve(rc)
	assert.ErrorIs(t, err, pcie.ErrBifurcationPending)
	assert.Equal(t, pcie.DevMapMode1, low)
	assert.Equal(t, uint8(16), rc.Pcie[0].MaxWidth)

	// 整体启动不因为分叉未决失败，而且只做一次
	b = testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapAuto, pcie.DevMapMode1))
	require.NoError(t, b.Core.Init())
	assert.Contains(t, buf.String(), pcie.ErrBifurcationPending.Error())
	rc, _ = b.RC(0)
	assert.Equal(t, pcie.DevMapMode1, rc.DevMapLow)
	inits := b.Machine.PhyInits
	require.NoError(t, b.Core.InitRootComplex(rc))
	assert.Equal(t, inits+1, b.Machine.PhyInits, "第二次启动不再探测")
}

func TestResolveTypeBHalves(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeB, pcie.DevMapAuto, pcie.DevMapAuto))
	rc, hw := b.RC(0)
	hw.Plug(&sim.Endpoint{Lane: 0, Width: 8, Speed: 4})
	hw.Plug(&sim.Endpoint{Lane: 8, Width: 4, Speed: 4})
	hw.Plug(&sim.Endpoint{Lane: 12, Width: 4, Speed: 4})
	require.NoError(t, b.Core.Init())

	assert.Equal(t, pcie.DevMapMode1, rc.DevMapLow)
	assert.Equal(t, pcie.DevMapMode2, rc.DevMapHigh)
	for _, idx := range []int{0, 4, 6} {
		assert.True(t, rc.Pcie[idx].LinkUp, "C%d", idx)
	}
	assert.Equal(t, uint8(8), rc.Pcie[0].LinkWidth)
	assert.Equal(t, uint8(4), rc.Pcie[4].LinkWidth)
	assert.Equal(t, uint8(4), rc.Pcie[6].LinkWidth)
	assert.False(t, rc.Pcie[5].Active)
}

func TestResolveFixedHalfUntouched(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeB, pcie.DevMapMode3, pcie.DevMapAuto))
	rc, hw := b.RC(0)
	hw.Plug(&sim.Endpoint{Lane: 8, Width: 8, Speed: 4})

	low, high, err := b.Core.Resolver().Resolve(rc)
	require.NoError(t, err)
	assert.Equal(t, pcie.DevMapMode3, low)
	assert.Equal(t, pcie.DevMapMode1, high)
}
