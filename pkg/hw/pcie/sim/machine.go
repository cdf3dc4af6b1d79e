package sim

import (
	"fmt"
	"time"

	"pcie_tool/pkg/hw/pcie"
)

// Never 就绪延时设成 Never 表示永远不就绪
const Never time.Duration = -1

const (
	DefaultFrequency = 25_000_000
	ecamSize         = 1 << 28
	allOnes          = 0xFFFFFFFF
	hostBridgeID     = 0x9C001E81
	hostBridgeSize   = 0x100
)

// Timing 硬件就绪所需时间
type Timing struct {
	MemReady time.Duration
	PhyReady time.Duration
	Train    time.Duration
}

var DefaultTiming = Timing{
	MemReady: 2 * time.Microsecond,
	PhyReady: 200 * time.Microsecond,
	Train:    2 * time.Millisecond,
}

// Machine 模拟平台，实现 pcie.Platform 的全部接口
type Machine struct {
	sched *scheduler
	mem   *Memory
	rcs   []*RootComplex
	freq  uint64

	// 注入故障
	MailboxErr error
	PhyErr     error

	PhyInits int
}

func New() *Machine {
	return &Machine{
		sched: newScheduler(),
		mem:   NewMemory(),
		freq:  DefaultFrequency,
	}
}

// Platform 所有协作者都由 Machine 提供
func (m *Machine) Platform() *pcie.Platform {
	return &pcie.Platform{Bus: m, Mailbox: m, Phy: m, Board: m, Clock: m}
}

// Now 模拟时间
func (m *Machine) Now() time.Duration { return m.sched.now }

// Poke/Peek 直接读写底层存储，绕过 DBI 只读保护，用来构造异常配置空间
func (m *Machine) Poke(addr uint64, val uint32) { m.mem.Write(addr, val) }
func (m *Machine) Peek(addr uint64) uint32      { return m.mem.Read(addr, allOnes) }

// AddRootComplex 按板级配置建一个 RC 的硬件模型
func (m *Machine) AddRootComplex(cfg pcie.RootComplexConfig, t Timing) *RootComplex {
	r := &RootComplex{m: m, cfg: cfg, timing: t, n: 4}
	if cfg.Type == pcie.TypeB {
		r.n = 8
	}
	for i := range r.n {
		c := &controller{
			rc:          r,
			idx:         i,
			csrBase:     cfg.CsrBase + uint64(i)*pcie.CsrStride,
			cfgBase:     pcie.ECAMAddress(cfg.MmcfgBase, 0, uint8(i+1), 0, 0),
			reset:       true,
			ramShutdown: true,
			urMask:      true,
			ras:         make(map[[2]uint8]uint32),
		}
		c.populate()
		r.ctls = append(r.ctls, c)
	}
	hb := cfg.HostBridgeBase
	m.mem.Write(hb+pcie.HbDevMap, 0)
	m.mem.Write(hb+pcie.HbVendorDevice, hostBridgeID)
	for i := range r.n {
		m.mem.Write(hb+pcie.HbClassRevBase+uint64(i)*4, 0xFF000001)
	}
	m.rcs = append(m.rcs, r)
	return r
}

func (m *Machine) RootComplex(socket, id uint8) *RootComplex {
	for _, r := range m.rcs {
		if r.cfg.Socket == socket && r.cfg.ID == id {
			return r
		}
	}
	return nil
}

// Read32 控制器 CSR、ECAM 配置空间，其他地址当普通内存
func (m *Machine) Read32(addr uint64) uint32 {
	for _, r := range m.rcs {
		if c := r.csrFor(addr); c != nil {
			return c.readCSR(addr - c.csrBase)
		}
		if r.inECAM(addr) {
			return r.readCfg(addr)
		}
	}
	return m.mem.Read(addr, allOnes)
}

func (m *Machine) Write32(addr uint64, val uint32) {
	for _, r := range m.rcs {
		if c := r.csrFor(addr); c != nil {
			c.writeCSR(addr-c.csrBase, val)
			return
		}
		if r.inECAM(addr) {
			r.writeCfg(addr, val)
			return
		}
	}
	m.mem.Write(addr, val)
}

func (m *Machine) ReadHostBridge(addr uint64) (uint32, error) {
	if m.MailboxErr != nil {
		return 0, m.MailboxErr
	}
	return m.mem.Read(addr, allOnes), nil
}

func (m *Machine) WriteHostBridge(addr uint64, val uint32) error {
	if m.MailboxErr != nil {
		return m.MailboxErr
	}
	m.mem.Write(addr, val)
	for _, r := range m.rcs {
		if addr == r.cfg.HostBridgeBase+pcie.HbDevMap {
			r.devmap = pcie.DevMapReg(val)
		}
	}
	return nil
}

func (m *Machine) InitPhy(serdesBase uint64) error {
	m.PhyInits++
	if m.PhyErr != nil {
		return m.PhyErr
	}
	for _, r := range m.rcs {
		if r.cfg.SerdesBase == serdesBase {
			r.phyInit = true
			return nil
		}
	}
	return fmt.Errorf("no serdes at 0x%X", serdesBase)
}

func (m *Machine) DrivePerst(rc *pcie.RootComplex, idx int, high bool) {
	r := m.RootComplex(rc.Socket, rc.ID)
	if r == nil || idx >= len(r.ctls) {
		return
	}
	c := r.ctls[idx]
	if !high {
		c.perstLow = true
		return
	}
	if c.perstLow {
		c.perstLow = false
		c.perstPulsed = true
		c.pulses++
	}
}

func (m *Machine) Delay(d time.Duration) { m.sched.advance(d) }

func (m *Machine) Counter() uint64 {
	return uint64(m.sched.now) * m.freq / uint64(time.Second)
}

func (m *Machine) Frequency() uint64 { return m.freq }

// RootComplex 一个 RC 的硬件模型
type RootComplex struct {
	m       *Machine
	cfg     pcie.RootComplexConfig
	timing  Timing
	n       int
	devmap  pcie.DevMapReg
	phyInit bool
	ctls    []*controller
	eps     []*Endpoint
}

// Plug 在 RC 的物理 lane 上插一张卡
func (r *RootComplex) Plug(ep *Endpoint) *Endpoint {
	ep.init()
	r.eps = append(r.eps, ep)
	return ep
}

// DevMap host bridge 里实际写入的分叉模式
func (r *RootComplex) DevMap() (low, high pcie.DevMap) {
	return r.devmap.Low(), r.devmap.High()
}

// DbiStats DBI 写使能打开/关闭的次数
func (r *RootComplex) DbiStats(idx int) (unlocks, locks int) {
	c := r.ctls[idx]
	return c.unlocks, c.locks
}

// DbiEnabled 当前是否处于写使能状态
func (r *RootComplex) DbiEnabled(idx int) bool { return r.ctls[idx].dbi }

func (r *RootComplex) PerstPulses(idx int) int { return r.ctls[idx].pulses }

// Trainings LTSSM 使能后完成过的训练次数(含失败)
func (r *RootComplex) Trainings(idx int) int { return r.ctls[idx].trainings }

// InjectRasError 给控制器的 RAS 事件计数加 n
func (r *RootComplex) InjectRasError(idx int, group, event uint8, n uint32) {
	r.ctls[idx].ras[[2]uint8{group, event}] += n
}

func (r *RootComplex) csrFor(addr uint64) *controller {
	base := r.cfg.CsrBase
	if addr < base || addr >= base+uint64(r.n)*pcie.CsrStride {
		return nil
	}
	c := r.ctls[(addr-base)/pcie.CsrStride]
	if addr-c.csrBase >= 0x100 {
		return nil
	}
	return c
}

func (r *RootComplex) inECAM(addr uint64) bool {
	return addr >= r.cfg.MmcfgBase && addr < r.cfg.MmcfgBase+ecamSize
}

func decodeECAM(base, addr uint64) (bus, dev, fn uint8, reg uint32) {
	off := addr - base
	return uint8(off >> 20), uint8(off>>15) & 0x1F, uint8(off>>12) & 0x7, uint32(off & 0xFFC)
}

// function 按 ECAM 地址找到 root port 或下游设备
func (r *RootComplex) function(addr uint64) (rp *controller, ep *controller, reg uint32) {
	bus, dev, fn, reg := decodeECAM(r.cfg.MmcfgBase, addr)
	if fn != 0 {
		return nil, nil, reg
	}
	if bus == 0 {
		if dev >= 1 && int(dev) <= r.n {
			return r.ctls[dev-1], nil, reg
		}
		return nil, nil, reg
	}
	if dev != 0 {
		return nil, nil, reg
	}
	for _, c := range r.ctls {
		if c.secondaryBus() == bus && c.linkUp && c.ep != nil {
			return nil, c, reg
		}
	}
	return nil, nil, reg
}

func (r *RootComplex) readCfg(addr uint64) uint32 {
	rp, ep, reg := r.function(addr)
	switch {
	case rp != nil:
		return rp.readRootPort(reg)
	case ep != nil:
		return ep.ep.read(r.m.sched.now, reg, ep.crsVendorID())
	}
	return allOnes
}

func (r *RootComplex) writeCfg(addr uint64, val uint32) {
	rp, ep, reg := r.function(addr)
	switch {
	case rp != nil:
		rp.writeRootPort(reg, val)
	case ep != nil:
		ep.ep.write(reg, val)
	}
}
