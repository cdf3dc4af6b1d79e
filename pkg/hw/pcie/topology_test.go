package pcie_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcie_tool/internal/testutils"
	"pcie_tool/pkg/hw/pcie"
)

type ctrlShape struct {
	Active   bool
	MaxWidth uint8
}

func shapes(rc *pcie.RootComplex) []ctrlShape {
	out := make([]ctrlShape, rc.MaxControllers)
	for i := range out {
		out[i] = ctrlShape{rc.Pcie[i].Active, rc.Pcie[i].MaxWidth}
	}
	return out
}

func TestNewRootComplexDevMap(t *testing.T) {
	tests := []struct {
		name      string
		typ       pcie.RootComplexType
		low, high pcie.DevMap
		want      []ctrlShape
	}{
		{"A-Mode1", pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1,
			[]ctrlShape{{true, 16}, {}, {}, {}}},
		{"A-Mode2", pcie.TypeA, pcie.DevMapMode2, pcie.DevMapMode1,
			[]ctrlShape{{true, 8}, {}, {true, 8}, {}}},
		{"A-Mode3", pcie.TypeA, pcie.DevMapMode3, pcie.DevMapMode1,
			[]ctrlShape{{true, 8}, {}, {true, 4}, {true, 4}}},
		{"A-Mode4", pcie.TypeA, pcie.DevMapMode4, pcie.DevMapMode1,
			[]ctrlShape{{true, 4}, {true, 4}, {true, 4}, {true, 4}}},
		{"B-Mode1-Mode4", pcie.TypeB, pcie.DevMapMode1, pcie.DevMapMode4,
			[]ctrlShape{{true, 8}, {}, {}, {}, {true, 2}, {true, 2}, {true, 2}, {true, 2}}},
		{"B-Mode3-Mode2", pcie.TypeB, pcie.DevMapMode3, pcie.DevMapMode2,
			[]ctrlShape{{true, 4}, {}, {true, 2}, {true, 2}, {true, 4}, {}, {true, 4}, {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := pcie.NewRootComplex(testutils.RCConfig(0, tt.typ, tt.low, tt.high))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, shapes(rc)); diff != "" {
				t.Errorf("controller 形态不符 (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRootComplexAddresses(t *testing.T) {
	cfg := testutils.RCConfig(1, pcie.TypeB, pcie.DevMapMode4, pcie.DevMapMode4)
	rc, err := pcie.NewRootComplex(cfg)
	require.NoError(t, err)
	assert.Equal(t, 8, rc.MaxControllers)
	for i := range rc.MaxControllers {
		assert.Equal(t, uint8(i+1), rc.Pcie[i].DevNum)
		assert.Equal(t, cfg.CsrBase+uint64(i)*pcie.CsrStride, rc.Pcie[i].CsrBase)
		assert.Equal(t, uint8(4), rc.Pcie[i].MaxGen)
	}
	assert.Equal(t, "S0-RC1(B)", rc.String())
}

func TestNewRootComplexInvalid(t *testing.T) {
	cfg := testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1)
	cfg.MaxGen = 5
	_, err := pcie.NewRootComplex(cfg)
	assert.True(t, errors.Is(err, pcie.ErrInvalidConfig))

	cfg = testutils.RCConfig(0, pcie.TypeB, pcie.DevMap(5), pcie.DevMapMode1)
	_, err = pcie.NewRootComplex(cfg)
	assert.True(t, errors.Is(err, pcie.ErrInvalidConfig))

	ok := testutils.RCConfig(2, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1)
	_, err = pcie.NewTopology([]pcie.RootComplexConfig{ok, ok})
	assert.True(t, errors.Is(err, pcie.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "duplicate")
}

func TestAutoDevMapProbesFinest(t *testing.T) {
	rc, err := pcie.NewRootComplex(testutils.RCConfig(0, pcie.TypeB, pcie.DevMapAuto, pcie.DevMapMode1))
	require.NoError(t, err)
	assert.True(t, rc.NeedsBifurcation())
	assert.Equal(t, pcie.DevMapMode4, rc.DevMapLow)
	assert.Equal(t, pcie.DevMapMode1, rc.DevMapHigh)

	// A 型没有高半区，高半区写 auto 也不需要分叉
	rc, err = pcie.NewRootComplex(testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapAuto))
	require.NoError(t, err)
	assert.False(t, rc.NeedsBifurcation())
}

func TestSetDevMapClearsInactive(t *testing.T) {
	rc, err := pcie.NewRootComplex(testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode4, pcie.DevMapMode1))
	require.NoError(t, err)
	rc.Pcie[1].LinkUp = true
	rc.Pcie[1].Fault = pcie.ErrHardwareTimeout
	rc.SetDevMap(pcie.DevMapMode1, pcie.DevMapMode1)
	assert.False(t, rc.Pcie[1].Active)
	assert.False(t, rc.Pcie[1].LinkUp)
	assert.Nil(t, rc.Pcie[1].Fault)
	assert.Equal(t, uint8(16), rc.Pcie[0].MaxWidth)
}

func TestLaneLayoutTypeBHigh(t *testing.T) {
	l := pcie.LaneLayout(pcie.TypeB, pcie.DevMapMode1, pcie.DevMapMode3)
	assert.Equal(t, pcie.LaneRange{Start: 0, Width: 8}, l[0])
	assert.Equal(t, pcie.LaneRange{Start: 8, Width: 4}, l[4])
	assert.Equal(t, pcie.LaneRange{Start: 12, Width: 2}, l[6])
	assert.Equal(t, pcie.LaneRange{Start: 14, Width: 2}, l[7])
	assert.Zero(t, l[5].Width)
}

func TestParseDevMap(t *testing.T) {
	for _, m := range []pcie.DevMap{pcie.DevMapMode1, pcie.DevMapMode2, pcie.DevMapMode3, pcie.DevMapMode4, pcie.DevMapAuto} {
		got, err := pcie.ParseDevMap(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := pcie.ParseDevMap("mode9")
	assert.ErrorIs(t, err, pcie.ErrInvalidConfig)
}
