package pcie

import (
	"errors"
	"fmt"
	"time"

	"pcie_tool/pkg/logutil"
)

const (
	maxTrainAttempts = 3
	linkPollTimeout  = 100 * time.Millisecond
	linkPollStep     = 100 * time.Microsecond
)

// Core 整个平台的 PCIe 启动，不支持并发使用
type Core struct {
	p    *Platform
	topo *Topology

	seq      *Sequencer
	verifier *Verifier
	resolver *Resolver
	recovery *Recovery
}

func NewCore(p *Platform, topo *Topology) *Core {
	c := &Core{
		p:        p,
		topo:     topo,
		seq:      NewSequencer(p),
		verifier: NewVerifier(p),
	}
	c.resolver = &Resolver{core: c}
	c.recovery = &Recovery{core: c, Cadence: DefaultRecoveryCadence}
	return c
}

func (c *Core) Topology() *Topology   { return c.topo }
func (c *Core) Sequencer() *Sequencer { return c.seq }
func (c *Core) Verifier() *Verifier   { return c.verifier }
func (c *Core) Resolver() *Resolver   { return c.resolver }
func (c *Core) Recovery() *Recovery   { return c.recovery }
func (c *Core) Platform() *Platform   { return c.p }

// Init 按固定顺序启动所有 RC
// 单个控制器的故障只记录在拓扑里；host bridge/PHY 失败的 RC 返回错误，其他 RC 照常启动
func (c *Core) Init() error {
	var errs []error
	for _, rc := range c.topo.RootComplexes {
		if !rc.Active {
			continue
		}
		if err := c.InitRootComplex(rc); err != nil {
			logutil.Error("%s 启动失败: %v", rc, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// InitRootComplex 单个 RC: (自动分叉) -> host bridge -> PHY -> 逐个控制器启动训练
func (c *Core) InitRootComplex(rc *RootComplex) error {
	if rc.NeedsBifurcation() {
		low, high, err := c.resolver.Resolve(rc)
		switch {
		case errors.Is(err, ErrBifurcationPending):
			logutil.Warn("%v，使用 %s/%s", err, low, high)
		case err != nil:
			return err
		}
	}

	if err := c.programHostBridge(rc); err != nil {
		return err
	}
	if err := c.p.Phy.InitPhy(rc.SerdesBase); err != nil {
		return fmt.Errorf("%s phy init: %w", rc, err)
	}
	for i := 0; i < rc.MaxControllers; i++ {
		if rc.Pcie[i].Active {
			c.trainController(rc, i, maxTrainAttempts)
		}
	}
	return nil
}

// trainController 内层重试: 启动 + 100ms 轮询 + 校验，最多 attempts 次
// 硬件就绪超时不重试
func (c *Core) trainController(rc *RootComplex, idx int, attempts int) {
	ctrl := &rc.Pcie[idx]
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.seq.Run(rc, idx); err != nil {
			return
		}
		if c.seq.WaitLinkUp(rc, idx, linkPollTimeout, linkPollStep) != StageLinkUp {
			logutil.Debug("%s C%d 第 %d 次训练超时", rc, idx, attempt)
			continue
		}
		res := c.verifier.VerifyLink(rc, idx)
		if res == ResultFailed {
			logutil.Info("%s C%d 第 %d 次训练校验失败", rc, idx, attempt)
			continue
		}
		ctrl.LinkUp = true
		c.linkUpFixups(rc, idx)
		logutil.Info("%s C%d link up x%d Gen%d (%v)", rc, idx, ctrl.LinkWidth, ctrl.LinkSpeed, res)
		return
	}
	logutil.Warn("%s C%d %d 次尝试后链路仍然 down", rc, idx, attempts)
}

// linkUpFixups 重新打开 CTO 上报，打开 RAS 计数，回读协商结果
func (c *Core) linkUpFixups(rc *RootComplex, idx int) {
	base := rc.rootPortBase(idx)
	if aer, ok := FindCapability(c.p.Bus, base, CapAER); ok {
		modifyAs(c.p.cfg(aer, AERUncorrMask), func(r AERUncorrMaskReg) AERUncorrMaskReg {
			return r.WithCompletionTimeout(false)
		})
	}
	if err := c.verifier.EnableErrorCounters(rc, idx); err != nil {
		logutil.Debug("%v", err)
	}
	st := c.verifier.LinkStatus(rc, idx)
	rc.Pcie[idx].LinkWidth, rc.Pcie[idx].LinkSpeed = st.Width(), st.Speed()
}

// cardPresent 硬件清掉了 LTSSM 使能(对端有响应但训练失败)，或者链路已经在 L0 只是校验没过
func (c *Core) cardPresent(rc *RootComplex, idx int) bool {
	ctrl := &rc.Pcie[idx]
	if !c.p.csr(ctrl, CsrLinkCtrl).isSet(csrLtssmEnable) {
		return true
	}
	return c.p.linkState(ctrl) == LinkL0
}

// EndEnumeration 设备树遍历结束后再校验一次已经 up 的链路，然后跑外层恢复
// 返回恢复轮数
func (c *Core) EndEnumeration() int {
	c.topo.ForEachController(func(rc *RootComplex, idx int) {
		ctrl := &rc.Pcie[idx]
		if !ctrl.LinkUp {
			return
		}
		link := c.verifier.VerifyLink(rc, idx)
		ras := c.verifier.CheckErrorCounters(rc, idx)
		if link == ResultFailed || ras == ResultFailed {
			logutil.Warn("%s C%d 枚举后校验失败 link=%v ras=%v", rc, idx, link, ras)
			ctrl.LinkUp = false
		}
	})
	return c.recovery.Run()
}

// FindEndpointCapability 在控制器下游设备上查找能力
func (c *Core) FindEndpointCapability(rc *RootComplex, idx int, cap CapID) (uint64, bool) {
	return c.p.endpointCapability(rc, idx, cap)
}

// programHostBridge 检查 host bridge 存在，写 devmap 和各 root port 功能的 class code
func (c *Core) programHostBridge(rc *RootComplex) error {
	mb := c.p.Mailbox
	hb := rc.HostBridgeBase

	vd, err := mb.ReadHostBridge(hb + HbVendorDevice)
	if err != nil {
		return fmt.Errorf("%s read vendor id: %w: %w", rc, ErrMailbox, err)
	}
	if vd == 0 || vd == deviceAbsent {
		return fmt.Errorf("%s host bridge absent (0x%08X): %w", rc, vd, ErrMailbox)
	}

	high := rc.DevMapHigh
	if rc.Type == TypeA {
		high = 0
	}
	if err := mb.WriteHostBridge(hb+HbDevMap, uint32(MakeDevMapReg(rc.DevMapLow, high))); err != nil {
		return fmt.Errorf("%s write devmap: %w: %w", rc, ErrMailbox, err)
	}

	for i := 0; i < rc.MaxControllers; i++ {
		if !rc.Pcie[i].Active {
			continue
		}
		addr := hb + HbClassRevBase + uint64(i)*4
		v, err := mb.ReadHostBridge(addr)
		if err != nil {
			return fmt.Errorf("%s read class fn%d: %w: %w", rc, i, ErrMailbox, err)
		}
		if err := mb.WriteHostBridge(addr, ClassCodePCIBridge<<8|v&0xFF); err != nil {
			return fmt.Errorf("%s write class fn%d: %w: %w", rc, i, ErrMailbox, err)
		}
	}
	logutil.Debug("%s host bridge 0x%08X devmap %s/%s", rc, vd, rc.DevMapLow, rc.DevMapHigh)
	return nil
}
