package pcie

import (
	"fmt"
	"iter"
)

// 能力链最多走这么多步，损坏或成环的链表也能结束
const maxCapabilityWalk = 1024

// CapID 标准能力和扩展能力的 id 空间重叠，需要 Extended 区分
type CapID struct {
	ID       uint16
	Extended bool
}

var (
	CapPM            = CapID{ID: CapIDPM}
	CapPCIe          = CapID{ID: CapIDPCIe}
	CapAER           = CapID{ID: ExtCapIDAER, Extended: true}
	CapRasDes        = CapID{ID: ExtCapIDVendor, Extended: true}
	CapSecondaryPCIe = CapID{ID: ExtCapIDSecondaryPCIe, Extended: true}
	CapPL16G         = CapID{ID: ExtCapIDPL16G, Extended: true}
)

var capNames = map[CapID]string{
	CapPM:            "PowerManagement",
	CapPCIe:          "PCIExpress",
	CapAER:           "AER",
	CapRasDes:        "RAS-DES",
	CapSecondaryPCIe: "SecondaryPCIe",
	CapPL16G:         "PhysicalLayer16G",
}

func (c CapID) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}
	if c.Extended {
		return fmt.Sprintf("ext-0x%04X", c.ID)
	}
	return fmt.Sprintf("0x%02X", c.ID)
}

// Capability 能力链上的一项
type Capability struct {
	CapID
	Offset uint32 // 相对功能配置空间基址
}

// Capabilities 遍历一个功能的能力链
// 标准区走完后从 0x100 接着走扩展区；指针没有 4 字节对齐视为链表损坏，直接结束
func Capabilities(bus Bus, base uint64) iter.Seq[Capability] {
	return func(yield func(Capability) bool) {
		if !CommandReg(bus.Read32(base + CfgCommand)).CapList() {
			return
		}
		visited := make(map[uint32]bool)
		steps := 0
		next := func(ptr uint32) bool {
			steps++
			if steps > maxCapabilityWalk || visited[ptr] || ptr&0x3 != 0 {
				return false
			}
			visited[ptr] = true
			return true
		}

		ptr := bus.Read32(base+CfgCapPtr) & 0xFF
		for ptr != 0 {
			if !next(ptr) {
				return
			}
			hdr := bus.Read32(base + uint64(ptr))
			if !yield(Capability{CapID: CapID{ID: uint16(hdr & 0xFF)}, Offset: ptr}) {
				return
			}
			ptr = (hdr >> 8) & 0xFF
		}

		ptr = ExtCapBase
		for ptr >= ExtCapBase {
			if !next(ptr) {
				return
			}
			hdr := bus.Read32(base + uint64(ptr))
			if hdr == 0 || hdr == deviceAbsent {
				return
			}
			if !yield(Capability{CapID: CapID{ID: uint16(hdr), Extended: true}, Offset: ptr}) {
				return
			}
			ptr = hdr >> 20
		}
	}
}

// FindCapability 返回能力头的物理地址
// 访问下游设备前调用方要先设置好总线号并确认设备可访问，见 Core.FindEndpointCapability
func FindCapability(bus Bus, base uint64, cap CapID) (uint64, bool) {
	for c := range Capabilities(bus, base) {
		if c.CapID == cap {
			return base + uint64(c.Offset), true
		}
	}
	return 0, false
}
