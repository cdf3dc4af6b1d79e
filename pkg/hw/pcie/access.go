package pcie

// ecamAddr base + bus<<20 | dev<<15 | fn<<12
func ecamAddr(base uint64, bus, dev, fn uint8) uint64 {
	return base | uint64(bus)<<20 | uint64(dev&0x1F)<<15 | uint64(fn&0x7)<<12
}

// ECAMAddress 给外部工具计算配置空间地址
func ECAMAddress(base uint64, bus, dev, fn uint8, off uint32) uint64 {
	return ecamAddr(base, bus, dev, fn) + uint64(off)
}

// reg32 一个 32 位寄存器
type reg32 struct {
	bus  Bus
	addr uint64
}

func (r reg32) get() uint32     { return r.bus.Read32(r.addr) }
func (r reg32) set(v uint32)    { r.bus.Write32(r.addr, v) }
func (r reg32) or(v uint32)     { r.set(r.get() | v) }
func (r reg32) andnot(v uint32) { r.set(r.get() &^ v) }

// modify 读改写，typed 寄存器用 modifyAs
func (r reg32) modify(f func(uint32) uint32) { r.set(f(r.get())) }

func (r reg32) isSet(mask uint32) bool { return r.get()&mask != 0 }

// getAs/modifyAs 按寄存器类型访问
func getAs[T ~uint32](r reg32) T { return T(r.get()) }

func modifyAs[T ~uint32](r reg32, f func(T) T) {
	r.set(uint32(f(T(r.get()))))
}

func (p *Platform) csr(c *Controller, off uint64) reg32 {
	return reg32{bus: p.Bus, addr: c.CsrBase + off}
}

func (p *Platform) cfg(base uint64, off uint64) reg32 {
	return reg32{bus: p.Bus, addr: base + off}
}
