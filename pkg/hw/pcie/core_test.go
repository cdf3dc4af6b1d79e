package pcie_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcie_tool/internal/testutils"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
	"pcie_tool/pkg/toolutil/bit"
)

func TestHostBridgeProgramming(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode2, pcie.DevMapMode3))
	rc, hw := b.RC(0)
	require.NoError(t, b.Core.Init())

	low, high := hw.DevMap()
	assert.Equal(t, pcie.DevMapMode2, low)
	assert.Equal(t, pcie.DevMapMode1, high, "A 型高半部分固定写 0")

	hb := rc.HostBridgeBase + pcie.HbClassRevBase
	assert.Equal(t, uint32(0x06040001), b.Machine.Peek(hb))
	assert.Equal(t, uint32(0xFF000001), b.Machine.Peek(hb+4), "C1 不活动")
	assert.Equal(t, uint32(0x06040001), b.Machine.Peek(hb+8))
	assert.Equal(t, uint32(0xFF000001), b.Machine.Peek(hb+12))
}

func TestHostBridgeAbsent(t *testing.T) {
	b := testutils.NewBench(t,
		testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1),
		testutils.RCConfig(1, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1),
	)
	rc0, hw0 := b.RC(0)
	rc1, hw1 := b.RC(1)
	hw0.Plug(&sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	hw1.Plug(&sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	b.Machine.Poke(rc0.HostBridgeBase+pcie.HbVendorDevice, 0xFFFFFFFF)

	err := b.Core.Init()
	require.ErrorIs(t, err, pcie.ErrMailbox)
	assert.Contains(t, err.Error(), rc0.String())
	assert.NotContains(t, err.Error(), rc1.String())

	// 出错的 RC 不训练，后面的 RC 照常启动
	assert.False(t, rc0.Pcie[0].LinkUp)
	assert.Zero(t, hw0.Trainings(0))
	assert.True(t, rc1.Pcie[0].LinkUp)
	assert.Equal(t, 1, b.Machine.PhyInits)
}

func TestMailboxError(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1))
	busy := errors.New("mailbox busy")
	b.Machine.MailboxErr = busy

	err := b.Core.Init()
	assert.ErrorIs(t, err, pcie.ErrMailbox)
	assert.ErrorIs(t, err, busy)
	assert.Zero(t, b.Machine.PhyInits)
}

func TestPhyInitError(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1))
	_, hw := b.RC(0)
	hw.Plug(&sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	phyErr := errors.New("serdes calibration failed")
	b.Machine.PhyErr = phyErr

	assert.ErrorIs(t, b.Core.Init(), phyErr)
	assert.Zero(t, hw.Trainings(0))
}

func TestInactiveRootComplexSkipped(t *testing.T) {
	off := testutils.RCConfig(1, pcie.TypeB, pcie.DevMapMode1, pcie.DevMapMode1)
	off.Active = false
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1), off)
	_, hw1 := b.RC(1)
	hw1.Plug(&sim.Endpoint{Lane: 0, Width: 8, Speed: 4})

	require.NoError(t, b.Core.Init())
	assert.Equal(t, 1, b.Machine.PhyInits)
	assert.Zero(t, hw1.Trainings(0))

	var visited []string
	b.Topo.ForEachController(func(rc *pcie.RootComplex, idx int) {
		visited = append(visited, rc.String())
	})
	assert.Equal(t, []string{"S0-RC0(A)"}, visited)
}

func TestTopologyFind(t *testing.T) {
	b := testutils.NewBench(t,
		testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1),
		testutils.RCConfig(3, pcie.TypeB, pcie.DevMapMode4, pcie.DevMapMode4),
	)
	rc := b.Topo.Find(0, 3)
	require.NotNil(t, rc)
	assert.Equal(t, pcie.TypeB, rc.Type)
	assert.Nil(t, b.Topo.Find(1, 0))
}

func field(t *testing.T, fields []bit.FieldValue, name string) uint64 {
	t.Helper()
	for _, f := range fields {
		if f.BitField.Name == name {
			return f.Value
		}
	}
	t.Fatalf("没有字段 %s", name)
	return 0
}

func TestRegisterLookup(t *testing.T) {
	regs := pcie.NewRegisters()

	d, err := regs.Lookup("csr.linkstat")
	require.NoError(t, err)
	assert.Equal(t, uint32(pcie.CsrLinkStat), d.Offset)

	d, err = regs.Lookup("pcie.linkctrls")
	require.NoError(t, err)
	assert.Equal(t, "pcie.linkctrlsts", d.Name)

	_, err = regs.Lookup("cfg.gen3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cfg.gen3eqctrl")
	assert.Contains(t, err.Error(), "cfg.gen3related")

	_, err = regs.Lookup("phy.txeq")
	assert.ErrorContains(t, err, "unknown register")

	assert.Len(t, regs.Prefix("ras."), 2)
	assert.Equal(t, []string{"aer", "cfg", "csr", "pcie", "ras"}, regs.Spaces())

	tree := regs.Tree()
	assert.True(t, strings.HasPrefix(tree, "aer\n  uncorrmask : 0x008\n"), tree)
	assert.Contains(t, tree, "csr\n  blockevent : 0x01C\n")
}

func TestReadRegister(t *testing.T) {
	b, rc, _ := bringUp(t, &sim.Endpoint{Lane: 0, Width: 8, Speed: 3})
	regs := pcie.NewRegisters()

	d, _ := regs.Get("pcie.linkctrlsts")
	v, fields, err := b.Core.ReadRegister(rc, 0, d)
	require.NoError(t, err)
	assert.NotZero(t, v)
	assert.Equal(t, uint64(8), field(t, fields, "Width"))
	assert.Equal(t, uint64(3), field(t, fields, "Speed"))
	assert.Equal(t, uint64(1), field(t, fields, "DllActive"))

	d, _ = regs.Get("csr.linkstat")
	_, fields, err = b.Core.ReadRegister(rc, 0, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(pcie.LtssmStateL0), field(t, fields, "Ltssm"))

	d, _ = regs.Get("cfg.class")
	_, fields, err = b.Core.ReadRegister(rc, 0, d)
	require.NoError(t, err)
	assert.Equal(t, uint64(pcie.ClassCodePCIBridge), field(t, fields, "ClassCode"))

	_, err = b.Core.SpaceBase(rc, 0, "phy")
	assert.Error(t, err)

	// RAS 能力从链上摘掉
	pl16 := capAddr(t, b, rc, 0, pcie.CapPL16G)
	b.Machine.Poke(pl16, pcie.ExtCapIDPL16G|1<<16)
	d, _ = regs.Get("ras.data")
	_, _, err = b.Core.ReadRegister(rc, 0, d)
	assert.ErrorIs(t, err, pcie.ErrCapabilityNotFound)
}
