package pcie

import (
	"fmt"
	"time"

	"pcie_tool/pkg/logutil"
	"pcie_tool/pkg/toolutil/bit"
)

// Stage 单个控制器启动状态
type Stage uint8

const (
	StageReset Stage = iota
	StageMemoryReady
	StageClockStable
	StageDbiUnlocked
	StageConfigured
	StageTrainingStarted
	StageLinkUp
	StageTimedOut
)

var stageNames = [...]string{
	StageReset:           "Reset",
	StageMemoryReady:     "MemoryReady",
	StageClockStable:     "ClockStable",
	StageDbiUnlocked:     "DbiUnlocked",
	StageConfigured:      "Configured",
	StageTrainingStarted: "TrainingStarted",
	StageLinkUp:          "LinkUp",
	StageTimedOut:        "TimedOut",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("Stage(%d)", uint8(s))
}

const (
	resetSettle     = 50 * time.Millisecond
	memReadyTimeout = 10 * time.Microsecond
	memReadyStep    = time.Microsecond
	postResetDelay  = time.Microsecond
	phyReadyTimeout = 20 * time.Millisecond
	phyReadyStep    = 10 * time.Microsecond
	perstHold       = 100 * time.Microsecond
	linkTimeoutMs   = 1
)

// Sequencer 控制器启动状态机，只负责把训练启动起来，不等 LinkUp
type Sequencer struct {
	p *Platform

	// OnStage 每进入一个状态回调一次，可以为 nil
	OnStage func(rc *RootComplex, idx int, s Stage)
}

func NewSequencer(p *Platform) *Sequencer {
	return &Sequencer{p: p}
}

func (s *Sequencer) enter(rc *RootComplex, idx int, st Stage) {
	logutil.Debug("%s C%d -> %s", rc, idx, st)
	if s.OnStage != nil {
		s.OnStage(rc, idx, st)
	}
}

// fault 记录硬件就绪超时，控制器在本次启动里不再训练
func (s *Sequencer) fault(rc *RootComplex, idx int, st Stage) error {
	err := fmt.Errorf("%s C%d %s: %w", rc, idx, st, ErrHardwareTimeout)
	rc.Pcie[idx].Fault = err
	logutil.Error("%v", err)
	return err
}

// Run 复位 -> 内存就绪 -> 时钟稳定 -> DBI 解锁 -> 配置 -> 启动训练
// 就绪超时返回 ErrHardwareTimeout 并记录到 Controller.Fault，不影响同一 RC 的其他控制器
func (s *Sequencer) Run(rc *RootComplex, idx int) error {
	p := s.p
	c := &rc.Pcie[idx]
	c.Fault = nil
	c.LinkUp = false

	s.enter(rc, idx, StageReset)
	rst := p.csr(c, CsrReset)
	if !rst.isSet(csrResetCore) {
		rst.or(csrResetCore)
		p.Clock.Delay(resetSettle)
	}

	s.enter(rc, idx, StageMemoryReady)
	p.csr(c, CsrRamShutdown).andnot(csrRamShutdown)
	memReady := p.csr(c, CsrMemReady)
	if !p.pollUntil(memReadyTimeout, memReadyStep, func() bool { return memReady.isSet(csrMemReady) }) {
		return s.fault(rc, idx, StageMemoryReady)
	}

	s.enter(rc, idx, StageClockStable)
	// 不屏蔽 UR，访问不存在的设备返回 CRS 而不是 abort
	p.csr(c, CsrBusCtl).andnot(csrBusCtlURMask)
	p.csr(c, CsrClock).or(csrClockEnable)
	rst.andnot(csrResetCore)
	p.Clock.Delay(postResetDelay)
	stat := p.csr(c, CsrLinkStat)
	if !p.pollUntil(phyReadyTimeout, phyReadyStep, func() bool {
		return !getAs[CsrLinkStatReg](stat).PhyStatus()
	}) {
		return s.fault(rc, idx, StageClockStable)
	}

	s.enter(rc, idx, StageDbiUnlocked)
	err := p.withDbiWrite(rc.rootPortBase(idx), func() error {
		if err := s.configure(rc, idx); err != nil {
			return err
		}
		s.enter(rc, idx, StageConfigured)
		return nil
	})
	if err != nil {
		logutil.Error("%s C%d 配置失败: %v", rc, idx, err)
		return err
	}

	s.enter(rc, idx, StageTrainingStarted)
	p.Board.DrivePerst(rc, idx, true)
	p.Clock.Delay(perstHold)
	p.Board.DrivePerst(rc, idx, false)
	p.Clock.Delay(perstHold)
	p.Board.DrivePerst(rc, idx, true)
	p.csr(c, CsrLinkCtrl).or(csrLtssmEnable)
	return nil
}

// WaitLinkUp 轮询直到 L0 或超时，只返回 StageLinkUp/StageTimedOut，不修改拓扑
func (s *Sequencer) WaitLinkUp(rc *RootComplex, idx int, timeout, step time.Duration) Stage {
	st := StageTimedOut
	if s.p.pollUntil(timeout, step, func() bool { return s.p.linkState(&rc.Pcie[idx]) == LinkL0 }) {
		st = StageLinkUp
	}
	s.enter(rc, idx, st)
	return st
}

// withDbiWrite 打开只读寄存器写使能，f 返回(包括 panic)后一定重新上锁
func (p *Platform) withDbiWrite(base uint64, f func() error) error {
	r := p.cfg(base, MiscCtrl1)
	modifyAs(r, func(v MiscCtrl1Reg) MiscCtrl1Reg { return v.WithDbiWriteEnable(true) })
	defer modifyAs(r, func(v MiscCtrl1Reg) MiscCtrl1Reg { return v.WithDbiWriteEnable(false) })
	return f()
}

// configure DBI 写使能期间的所有寄存器编程
func (s *Sequencer) configure(rc *RootComplex, idx int) error {
	p := s.p
	c := &rc.Pcie[idx]
	base := rc.rootPortBase(idx)

	pcieCap, ok := FindCapability(p.Bus, base, CapPCIe)
	if !ok {
		return fmt.Errorf("root port %v: %w", CapPCIe, ErrCapabilityNotFound)
	}
	enc, ok := widthTable[c.MaxWidth]
	if !ok {
		return fmt.Errorf("%w: unsupported width x%d", ErrInvalidConfig, c.MaxWidth)
	}

	p.cfg(base, CfgClassRev).modify(func(v uint32) uint32 {
		return ClassCodePCIBridge<<8 | v&0xFF
	})
	modifyAs(p.cfg(pcieCap, PCIeSlotCap), func(r SlotCapReg) SlotCapReg {
		return r.WithPowerLimit(slotPowerLimitValue, slotPowerLimitScale)
	})
	p.csr(c, CsrDtiCtrl).set(dtiRootPortID(rc, idx) | csrDtiValid)

	modifyAs(p.cfg(base, PortLinkCtrl), func(r PortLinkCtrlReg) PortLinkCtrlReg {
		return r.WithLinkCapable(enc.linkCapable)
	})
	modifyAs(p.cfg(base, Gen2Ctrl), func(r Gen2CtrlReg) Gen2CtrlReg {
		return r.WithNumLanes(enc.numLanes)
	})
	modifyAs(p.cfg(pcieCap, PCIeLinkCap), func(r LinkCapReg) LinkCapReg {
		return r.WithMaxWidth(c.MaxWidth).WithMaxSpeed(c.MaxGen)
	})
	modifyAs(p.cfg(pcieCap, PCIeLinkCtrl2), func(r LinkCtrl2Reg) LinkCtrl2Reg {
		return r.WithTargetSpeed(c.MaxGen)
	})

	modifyAs(p.cfg(base, AmbaOrdering), func(r AmbaOrderingReg) AmbaOrderingReg {
		return r.WithZeroByteRead(true).WithStrictOrdering(true)
	})
	modifyAs(p.cfg(base, AmbaErrResp), func(r AmbaErrRespReg) AmbaErrRespReg {
		return r.WithCRS(crsRespondVendorID)
	})
	modifyAs(p.cfg(base, CfgInterrupt), func(r InterruptReg) InterruptReg {
		return r.WithPin(intPinINTA)
	})

	if c.MaxGen >= 2 {
		s.programEqualization(rc, idx, pcieCap)
	}

	modifyAs(p.cfg(base, AmbaLinkTimeout), func(r AmbaLinkTimeoutReg) AmbaLinkTimeoutReg {
		return r.WithPeriod(linkTimeoutMs)
	})

	// 链路确认 up 之后才重新打开 completion timeout 上报
	if aer, ok := FindCapability(p.Bus, base, CapAER); ok {
		modifyAs(p.cfg(aer, AERUncorrMask), func(r AERUncorrMaskReg) AERUncorrMaskReg {
			return r.WithCompletionTimeout(true)
		})
	} else {
		logutil.Debug("%s C%d 没有 AER，跳过 CTO 屏蔽", rc, idx)
	}
	return nil
}

// programEqualization Gen2 及以上，Gen3/Gen4 逐级嵌套
func (s *Sequencer) programEqualization(rc *RootComplex, idx int, pcieCap uint64) {
	p := s.p
	c := &rc.Pcie[idx]
	base := rc.rootPortBase(idx)

	modifyAs(p.cfg(pcieCap, PCIeLinkCtrl2), func(r LinkCtrl2Reg) LinkCtrl2Reg {
		return r.WithSelectableDeemphasis(true)
	})
	if c.MaxGen < 3 {
		return
	}

	related := p.cfg(base, Gen3Related)
	eqCtrl := p.cfg(base, Gen3EqCtrl)
	modifyAs(related, func(r Gen3RelatedReg) Gen3RelatedReg {
		return r.WithRateShadowSel(rateShadowGen3).WithEqDisable(false)
	})
	modifyAs(eqCtrl, func(r Gen3EqCtrlReg) Gen3EqCtrlReg { return r.WithPresetVector(gen3PresetVector) })
	if sec, ok := FindCapability(p.Bus, base, CapSecondaryPCIe); ok {
		for lane := range int(c.MaxWidth) {
			r := p.cfg(sec, SecPCIeLaneEq+uint64(lane/2)*4)
			shift := byte(lane%2) * 16
			r.modify(func(v uint32) uint32 { return bit.InsertBits(v, shift, 16, gen3LaneEqDefault) })
		}
	}
	if c.MaxGen < 4 {
		return
	}

	preset := uint32(rc.Gen4Presets[idx])
	if preset == 0 {
		preset = gen4LaneEqDefault
	}
	modifyAs(related, func(r Gen3RelatedReg) Gen3RelatedReg {
		return r.WithRateShadowSel(rateShadowGen4).WithEqDisable(false)
	})
	modifyAs(eqCtrl, func(r Gen3EqCtrlReg) Gen3EqCtrlReg { return r.WithPresetVector(gen4PresetVector) })
	if pl16, ok := FindCapability(p.Bus, base, CapPL16G); ok {
		for lane := range int(c.MaxWidth) {
			r := p.cfg(pl16, PL16GLaneEq+uint64(lane/4)*4)
			shift := byte(lane%4) * 8
			r.modify(func(v uint32) uint32 { return bit.InsertBits(v, shift, 8, preset) })
		}
	}
	modifyAs(related, func(r Gen3RelatedReg) Gen3RelatedReg { return r.WithRateShadowSel(rateShadowGen3) })
}
