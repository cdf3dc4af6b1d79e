package sim

import (
	"pcie_tool/pkg/hw/pcie"
)

// root port 配置空间里能力的位置
const (
	rpPMCap   = 0x40
	rpPCIeCap = 0x70
	rpAER     = 0x100
	rpSecPCIe = 0x148
	rpPL16G   = 0x178
	rpRAS     = 0x1C0

	rootPortID   = 0xA0011E81
	ltssmPolling = 0x02
)

// 只读字段，值为只读位掩码，DBI 写使能时可写
var dbiProtected = map[uint32]uint32{
	pcie.CfgVendorDevice:         allOnes,
	pcie.CfgClassRev:             allOnes,
	pcie.CfgCapPtr:               allOnes,
	pcie.CfgInterrupt:            0x0000FF00,
	rpPCIeCap + pcie.PCIeLinkCap: allOnes,
	rpPCIeCap + pcie.PCIeSlotCap: allOnes,
}

// 能力头任何时候都不可写
var capHeaders = map[uint32]bool{
	rpPMCap: true, rpPCIeCap: true, rpAER: true, rpSecPCIe: true, rpPL16G: true, rpRAS: true,
}

type controller struct {
	rc      *RootComplex
	idx     int
	csrBase uint64
	cfgBase uint64

	reset, clock, ramShutdown, memReady, urMask, ltssmEnable bool
	phyReady                                                 bool
	dti                                                      uint32

	ltssm        uint8
	linkUp       bool
	width, speed uint8
	ep           *Endpoint
	trainings    int

	// 复位一次加一，让复位前登记的事件失效
	gen uint64

	perstLow, perstPulsed bool
	pulses                int

	dbi            bool
	unlocks, locks int

	ras   map[[2]uint8]uint32
	rasOn bool
}

func (c *controller) mem() *Memory { return c.rc.m.mem }

func (c *controller) populate() {
	w := func(off uint32, v uint32) { c.mem().Write(c.cfgBase+uint64(off), v) }
	w(pcie.CfgVendorDevice, rootPortID)
	w(pcie.CfgCommand, 1<<20|0x0007)
	w(pcie.CfgClassRev, 0xFF000001)
	w(pcie.CfgBusNumber, 0)
	w(pcie.CfgCapPtr, rpPMCap)
	w(pcie.CfgInterrupt, 0x000000FF)

	w(rpPMCap, pcie.CapIDPM|rpPCIeCap<<8|0x0003<<16)
	w(rpPCIeCap, pcie.CapIDPCIe|0x0042<<16)
	w(rpPCIeCap+pcie.PCIeLinkCap, uint32(pcie.LinkCapReg(0).WithMaxWidth(16).WithMaxSpeed(4)))
	w(rpPCIeCap+pcie.PCIeSlotCap, 0)

	w(rpAER, pcie.ExtCapIDAER|2<<16|rpSecPCIe<<20)
	w(rpSecPCIe, pcie.ExtCapIDSecondaryPCIe|1<<16|rpPL16G<<20)
	w(rpPL16G, pcie.ExtCapIDPL16G|1<<16|rpRAS<<20)
	w(rpRAS, pcie.ExtCapIDVendor|1<<16)
	w(rpRAS+4, 0x01000002)

	w(pcie.PortLinkCtrl, 0x00010120)
	w(pcie.Gen2Ctrl, 0x0000010F)
	w(pcie.Gen3Related, 1<<16)
	w(pcie.AmbaLinkTimeout, 0x000001FF)
}

func (c *controller) secondaryBus() uint8 {
	return pcie.BusNumberReg(c.mem().Read(c.cfgBase+pcie.CfgBusNumber, 0)).Secondary()
}

func (c *controller) crsVendorID() bool {
	return pcie.AmbaErrRespReg(c.mem().Read(c.cfgBase+pcie.AmbaErrResp, 0)).CRS() == 2
}

func (c *controller) readRootPort(reg uint32) uint32 {
	switch reg {
	case rpPCIeCap + pcie.PCIeLinkCtrlSts:
		v := c.mem().Read(c.cfgBase+uint64(reg), 0) & 0xFFFF
		v |= uint32(c.width&0x3F)<<20 | uint32(c.speed&0xF)<<16
		if c.ltssm != 0 && !c.linkUp {
			v |= 1 << 27
		}
		if c.linkUp {
			v |= 1 << 29
		}
		return v
	case rpRAS + pcie.RasDesEventData:
		if !c.rasOn {
			return 0
		}
		ctrl := pcie.RasCtrlReg(c.mem().Read(c.cfgBase+rpRAS+pcie.RasDesEventCtrl, 0))
		return c.ras[[2]uint8{ctrl.Group(), ctrl.Event()}]
	}
	return c.mem().Read(c.cfgBase+uint64(reg), 0)
}

func (c *controller) writeRootPort(reg uint32, val uint32) {
	addr := c.cfgBase + uint64(reg)
	old := c.mem().Read(addr, 0)
	if capHeaders[reg] {
		return
	}
	if mask, ok := dbiProtected[reg]; ok && !c.dbi {
		val = old&mask | val&^mask
	}
	switch reg {
	case pcie.MiscCtrl1:
		on := pcie.MiscCtrl1Reg(val).DbiWriteEnable()
		switch {
		case on && !c.dbi:
			c.unlocks++
		case !on && c.dbi:
			c.locks++
		}
		c.dbi = on
	case rpPCIeCap + pcie.PCIeLinkCtrlSts:
		val &= 0xFFFF
	case rpRAS + pcie.RasDesEventCtrl:
		r := pcie.RasCtrlReg(val)
		if r.Clear() == 3 {
			clear(c.ras)
		}
		switch r.Enable() {
		case 7:
			c.rasOn = true
		case 5:
			c.rasOn = false
		}
		val = uint32(r.WithClear(0))
	}
	c.mem().Write(addr, val)
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (c *controller) readCSR(off uint64) uint32 {
	switch off {
	case pcie.CsrReset:
		return b2u(c.reset)
	case pcie.CsrClock:
		return b2u(c.clock)
	case pcie.CsrRamShutdown:
		return b2u(c.ramShutdown)
	case pcie.CsrMemReady:
		return b2u(c.memReady)
	case pcie.CsrBusCtl:
		return b2u(c.urMask)
	case pcie.CsrLinkCtrl:
		return b2u(c.ltssmEnable)
	case pcie.CsrLinkStat:
		return uint32(pcie.MakeCsrLinkStat(c.clock && !c.phyReady, c.ltssm, c.linkUp, c.linkUp))
	case pcie.CsrBlockEvent:
		return b2u(c.linkUp && c.ltssm == pcie.LtssmStateL0)
	case pcie.CsrDtiCtrl:
		return c.dti
	}
	return 0
}

func (c *controller) writeCSR(off uint64, val uint32) {
	on := val&1 != 0
	switch off {
	case pcie.CsrReset:
		if on && !c.reset {
			c.assertReset()
		} else if !on && c.reset {
			c.reset = false
			c.maybePhyReady()
		}
	case pcie.CsrClock:
		c.clock = on
		if !on {
			c.phyReady = false
		}
		c.maybePhyReady()
	case pcie.CsrRamShutdown:
		if !on && c.ramShutdown {
			g := c.gen
			c.rc.m.sched.after(c.rc.timing.MemReady, func() {
				if c.gen == g && !c.ramShutdown {
					c.memReady = true
				}
			})
		}
		if on {
			c.memReady = false
		}
		c.ramShutdown = on
	case pcie.CsrBusCtl:
		c.urMask = on
	case pcie.CsrLinkCtrl:
		if on && !c.ltssmEnable {
			c.ltssmEnable = true
			c.startTraining()
		} else if !on {
			c.ltssmEnable = false
			c.linkDown()
		}
	case pcie.CsrDtiCtrl:
		c.dti = val
	}
}

func (c *controller) assertReset() {
	c.reset = true
	c.gen++
	c.phyReady = false
	c.ltssmEnable = false
	c.perstPulsed = false
	c.linkDown()
}

func (c *controller) linkDown() {
	c.ltssm = 0
	c.linkUp = false
	c.width, c.speed = 0, 0
	c.ep = nil
}

func (c *controller) maybePhyReady() {
	if !c.clock || c.reset || c.phyReady {
		return
	}
	g := c.gen
	c.rc.m.sched.after(c.rc.timing.PhyReady, func() {
		if c.gen == g && c.clock && !c.reset {
			c.phyReady = true
		}
	})
}

// card 按 host bridge 里的 devmap 找到本控制器 lane 上的卡
func (c *controller) card() *Endpoint {
	r := c.rc
	lr := pcie.LaneLayout(r.cfg.Type, r.devmap.Low(), r.devmap.High())[c.idx]
	if lr.Width == 0 {
		return nil
	}
	for _, ep := range r.eps {
		if ep.Reversed {
			if ep.Lane+int(ep.Width)-1 == lr.Start+int(lr.Width)-1 {
				return ep
			}
		} else if ep.Lane == lr.Start {
			return ep
		}
	}
	return nil
}

func (c *controller) startTraining() {
	if !c.phyReady {
		return
	}
	if c.card() != nil {
		c.ltssm = ltssmPolling
	}
	g := c.gen
	c.rc.m.sched.after(c.rc.timing.Train, func() {
		if c.gen == g && c.ltssmEnable {
			c.train()
		}
	})
}

func (c *controller) train() {
	ep := c.card()
	if ep == nil || !c.rc.phyInit || !c.perstPulsed {
		c.ltssm = 0
		return
	}
	c.trainings++
	if ep.FailTrainings > 0 {
		// 对端有响应但训练失败，硬件清掉 LTSSM 使能
		ep.FailTrainings--
		c.ltssm = 0
		c.ltssmEnable = false
		return
	}

	lr := pcie.LaneLayout(c.rc.cfg.Type, c.rc.devmap.Low(), c.rc.devmap.High())[c.idx]
	lc := pcie.LinkCapReg(c.mem().Read(c.cfgBase+rpPCIeCap+pcie.PCIeLinkCap, 0))
	width := min(lr.Width, lc.MaxWidth(), ep.Width)
	if ep.DegradeWidth != 0 && ep.DegradeTimes != 0 {
		width = min(width, ep.DegradeWidth)
		if ep.DegradeTimes > 0 {
			ep.DegradeTimes--
		}
	}
	speed := min(lc.MaxSpeed(), ep.Speed)
	lc2 := pcie.LinkCtrl2Reg(c.mem().Read(c.cfgBase+rpPCIeCap+pcie.PCIeLinkCtrl2, 0))
	if t := lc2.TargetSpeed(); t != 0 {
		speed = min(speed, t)
	}

	c.ltssm = pcie.LtssmStateL0
	c.linkUp = true
	c.width, c.speed = width, speed
	c.ep = ep
	ep.readyAt = c.rc.m.sched.now + ep.CRSFor
}
