package pcie

import (
	"time"

	"pcie_tool/pkg/logutil"
)

const (
	livenessStep = 50 * time.Microsecond
	// ShortLiveTimeout 遍历能力链前的等待
	ShortLiveTimeout = 10 * time.Millisecond
	// LongLiveTimeout 读下游链路能力前的等待，部分设备配置空间要很久才稳定
	LongLiveTimeout = 500 * time.Millisecond
)

// endpointLive 第一个 dword 既不是全 1，也不是 CRS 的 vendor id
func endpointLive(v uint32) bool {
	return v != deviceAbsent && v&0xFFFF != crsVendorID
}

// pollEndpointLive 以 50us 为间隔轮询 addr 直到设备可访问
func (p *Platform) pollEndpointLive(addr uint64, timeout time.Duration) bool {
	return p.pollUntil(timeout, livenessStep, func() bool {
		return endpointLive(p.Bus.Read32(addr))
	})
}

// withEndpointBus 把 root port 的 secondary/subordinate 总线号临时设成 DevNum，
// f 返回后无论结果如何都恢复原值
func (p *Platform) withEndpointBus(rc *RootComplex, idx int, f func(base uint64)) {
	r := p.cfg(rc.rootPortBase(idx), CfgBusNumber)
	orig := r.get()
	defer r.set(orig)

	r.set(uint32(BusNumberReg(orig).WithDownstream(rc.Pcie[idx].DevNum)))
	f(rc.endpointBase(idx))
}

// endpointCapability 在下游设备上找能力，设备 10ms 内不可访问按没找到处理
func (p *Platform) endpointCapability(rc *RootComplex, idx int, cap CapID) (addr uint64, ok bool) {
	p.withEndpointBus(rc, idx, func(base uint64) {
		if !p.pollEndpointLive(base+CfgVendorDevice, ShortLiveTimeout) {
			logutil.Debug("%s C%d 下游设备不可访问", rc, idx)
			return
		}
		addr, ok = FindCapability(p.Bus, base, cap)
	})
	return addr, ok
}

// endpointLinkCap 读下游设备的链路能力寄存器原始值，读不到返回 0
// 先按 500ms 长预算等设备退出 CRS，再遍历能力链
func (p *Platform) endpointLinkCap(rc *RootComplex, idx int) (raw uint32) {
	p.withEndpointBus(rc, idx, func(base uint64) {
		if !p.pollEndpointLive(base+CfgVendorDevice, LongLiveTimeout) {
			logutil.Debug("%s C%d 下游设备 %v 内不可访问", rc, idx, LongLiveTimeout)
			return
		}
		capAddr, ok := FindCapability(p.Bus, base, CapPCIe)
		if !ok {
			return
		}
		raw = p.Bus.Read32(capAddr + PCIeLinkCap)
	})
	return raw
}
