package pcie_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcie_tool/internal/testutils"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
)

func linkStatus(width, speed uint8, training, dll bool) pcie.LinkStatusReg {
	v := uint32(width)<<20 | uint32(speed)<<16
	if training {
		v |= 1 << 27
	}
	if dll {
		v |= 1 << 29
	}
	return pcie.LinkStatusReg(v)
}

func TestCompareLink(t *testing.T) {
	x16g4 := pcie.LinkCap{Width: 16, Speed: 4}
	x8g3 := pcie.LinkCap{Width: 8, Speed: 3}
	x4g4 := pcie.LinkCap{Width: 4, Speed: 4}
	tests := []struct {
		name          string
		local, remote pcie.LinkCap
		status        pcie.LinkStatusReg
		want          pcie.Result
	}{
		{"Equal", x16g4, x16g4, linkStatus(16, 4, false, true), pcie.ResultSuccess},
		{"MinOfBoth", x16g4, x8g3, linkStatus(8, 3, false, true), pcie.ResultSuccess},
		{"MinElementWise", x8g3, x4g4, linkStatus(4, 3, false, true), pcie.ResultSuccess},
		{"NarrowerThanExpected", x16g4, x16g4, linkStatus(8, 4, false, true), pcie.ResultFailed},
		{"SlowerThanExpected", x16g4, x16g4, linkStatus(16, 3, false, true), pcie.ResultFailed},
		{"StillTraining", x16g4, x16g4, linkStatus(16, 4, true, true), pcie.ResultFailed},
		{"DllInactive", x16g4, x16g4, linkStatus(16, 4, false, false), pcie.ResultFailed},
		{"RemoteZero", x16g4, pcie.LinkCap{}, linkStatus(16, 4, false, true), pcie.ResultWrongParameter},
		{"LocalZero", pcie.LinkCap{}, x16g4, linkStatus(16, 4, false, true), pcie.ResultWrongParameter},
		{"RemoteWidthZero", x16g4, pcie.LinkCap{Speed: 4}, linkStatus(0, 0, true, false), pcie.ResultWrongParameter},
		{"BothZeroBadStatus", pcie.LinkCap{}, pcie.LinkCap{}, 0, pcie.ResultWrongParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pcie.CompareLink(tt.local, tt.remote, tt.status))
		})
	}
}

func bringUp(t *testing.T, ep *sim.Endpoint) (*testutils.Bench, *pcie.RootComplex, *sim.RootComplex) {
	t.Helper()
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1))
	rc, hw := b.RC(0)
	if ep != nil {
		hw.Plug(ep)
	}
	require.NoError(t, b.Core.Init())
	return b, rc, hw
}

// A 型、devmap 全部给 C0、x16 Gen4
func TestBringUpTypeAMode1(t *testing.T) {
	b, rc, hw := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4})

	c0 := rc.Pcie[0]
	assert.True(t, c0.Active)
	assert.True(t, c0.LinkUp)
	assert.Equal(t, uint8(16), c0.MaxWidth)
	assert.Equal(t, uint8(16), c0.LinkWidth)
	assert.Equal(t, uint8(4), c0.LinkSpeed)
	for i := 1; i < 4; i++ {
		assert.False(t, rc.Pcie[i].Active, "C%d", i)
	}
	assert.Equal(t, 1, hw.Trainings(0))
	assert.Equal(t, pcie.ResultSuccess, b.Core.Verifier().VerifyLink(rc, 0))

	// link up 之后重新打开 CTO 上报
	aer := capAddr(t, b, rc, 0, pcie.CapAER)
	assert.False(t, pcie.AERUncorrMaskReg(b.Machine.Read32(aer+pcie.AERUncorrMask)).CompletionTimeout())
	assert.Zero(t, b.Core.EndEnumeration())
}

func TestEndpointAllOnes(t *testing.T) {
	b, rc, hw := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4, NoConfig: true})

	// 链路能训练上，下游配置空间读不到按 wrong parameter 接受，不重试
	assert.True(t, rc.Pcie[0].LinkUp)
	assert.Equal(t, 1, hw.Trainings(0))

	start := b.Machine.Now()
	_, ok := b.Core.FindEndpointCapability(rc, 0, pcie.CapPCIe)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, b.Machine.Now()-start, 10*time.Millisecond)
	assert.Less(t, b.Machine.Now()-start, 11*time.Millisecond)

	assert.Equal(t, pcie.ResultWrongParameter, b.Core.Verifier().VerifyLink(rc, 0))
	assert.Equal(t, 1, hw.Trainings(0))
}

func TestEndpointBusRestored(t *testing.T) {
	b, rc, _ := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	reg := rootPort(rc, 0) + pcie.CfgBusNumber
	b.Machine.Write32(reg, 0x00000000)

	_, ok := b.Core.FindEndpointCapability(rc, 0, pcie.CapAER)
	assert.True(t, ok)
	assert.Equal(t, uint32(0), b.Machine.Read32(reg))

	// 找不到的时候也恢复
	_, ok = b.Core.FindEndpointCapability(rc, 0, pcie.CapRasDes)
	assert.False(t, ok)
	assert.Equal(t, uint32(0), b.Machine.Read32(reg))
}

func TestEndpointCRS(t *testing.T) {
	_, rc, hw := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4, CRSFor: 3 * time.Millisecond})
	assert.True(t, rc.Pcie[0].LinkUp)
	assert.Equal(t, 1, hw.Trainings(0))
	assert.Equal(t, uint8(16), rc.Pcie[0].LinkWidth)
}

// CRS 持续 100ms，超过遍历能力链的 10ms 但在读链路能力的 500ms 之内
func TestEndpointSlowCRSDegraded(t *testing.T) {
	b, rc, hw := bringUp(t, &sim.Endpoint{
		Lane: 0, Width: 16, Speed: 4,
		CRSFor: 100 * time.Millisecond, DegradeWidth: 8, DegradeTimes: -1,
	})

	// 降宽被识别为失败，内层重试用满
	assert.False(t, rc.Pcie[0].LinkUp)
	assert.Equal(t, 3, hw.Trainings(0))

	v := b.Core.Verifier()
	assert.Equal(t, pcie.LinkCap{Width: 16, Speed: 4}, v.RemoteLinkCap(rc, 0))
	assert.Equal(t, pcie.ResultFailed, v.VerifyLink(rc, 0))
}

func TestEndpointSlowCRS(t *testing.T) {
	b, rc, hw := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4, CRSFor: 100 * time.Millisecond})
	assert.True(t, rc.Pcie[0].LinkUp)
	assert.Equal(t, 1, hw.Trainings(0))
	assert.Equal(t, uint8(16), rc.Pcie[0].LinkWidth)

	// 重新训练后立刻读，链路能力要等 CRS 结束
	require.NoError(t, b.Core.Sequencer().Run(rc, 0))
	require.Equal(t, pcie.StageLinkUp, b.Core.Sequencer().WaitLinkUp(rc, 0, 100*time.Millisecond, 100*time.Microsecond))
	start := b.Machine.Now()
	assert.Equal(t, pcie.LinkCap{Width: 16, Speed: 4}, b.Core.Verifier().RemoteLinkCap(rc, 0))
	waited := b.Machine.Now() - start
	assert.Greater(t, waited, 10*time.Millisecond)
	assert.LessOrEqual(t, waited, 100*time.Millisecond+50*time.Microsecond)
}

func TestCheckLinkUpStates(t *testing.T) {
	b := testutils.NewBench(t, testutils.RCConfig(0, pcie.TypeA, pcie.DevMapMode1, pcie.DevMapMode1))
	rc, hw := b.RC(0)
	hw.Plug(&sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	v := b.Core.Verifier()
	assert.Equal(t, pcie.LinkAbsent, v.CheckLinkUp(rc, 0))

	require.NoError(t, b.Machine.InitPhy(rc.SerdesBase))
	require.NoError(t, b.Core.Sequencer().Run(rc, 0))
	assert.Equal(t, pcie.LinkTraining, v.CheckLinkUp(rc, 0), "LTSSM 已经离开 detect")
	b.Machine.Delay(5 * time.Millisecond)
	assert.Equal(t, pcie.LinkL0, v.CheckLinkUp(rc, 0))
}

func TestRasCountersClearedAfterCheck(t *testing.T) {
	b, rc, hw := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	v := b.Core.Verifier()
	assert.Equal(t, pcie.ResultSuccess, v.CheckErrorCounters(rc, 0))

	hw.InjectRasError(0, 2, 0x01, 1) // LCRC
	assert.Equal(t, pcie.ResultFailed, v.CheckErrorCounters(rc, 0))
	assert.Equal(t, pcie.ResultSuccess, v.CheckErrorCounters(rc, 0), "检查后计数已清零")

	// 按 lane 统计的组不参与判断
	hw.InjectRasError(0, 0, 0x02, 5)
	assert.Equal(t, pcie.ResultSuccess, v.CheckErrorCounters(rc, 0))
}

func TestRasMissingCapability(t *testing.T) {
	b, rc, _ := bringUp(t, &sim.Endpoint{Lane: 0, Width: 16, Speed: 4})
	pl16 := capAddr(t, b, rc, 0, pcie.CapPL16G)
	// 断开 PL16G -> RAS 的链接
	b.Machine.Poke(pl16, pcie.ExtCapIDPL16G|1<<16)
	assert.ErrorIs(t, b.Core.Verifier().EnableErrorCounters(rc, 0), pcie.ErrCapabilityNotFound)
	assert.Equal(t, pcie.ResultSuccess, b.Core.Verifier().CheckErrorCounters(rc, 0))
}
