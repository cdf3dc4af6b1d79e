package sim

import (
	"time"

	"pcie_tool/pkg/hw/pcie"
)

const (
	DefaultEndpointID = 0x50151B4B
	epPCIeCap         = 0x80
)

// Endpoint 插在 RC 物理 lane 上的卡
type Endpoint struct {
	Name     string
	Lane     int   // 卡的第一条物理 lane
	Width    uint8 // 卡的最大宽度
	Speed    uint8 // 卡的最大速率(Gen)
	Reversed bool  // lane 反接: 卡的 lane 0 在最高那条物理 lane 上
	ID       uint32

	// 训练完成后这么长时间内配置读返回 CRS
	CRSFor time.Duration
	// 前 FailTrainings 次训练失败，硬件清 LTSSM 使能
	FailTrainings int
	// DegradeWidth 非零时，前 DegradeTimes 次训练降宽，负数表示一直降
	DegradeWidth uint8
	DegradeTimes int
	// NoConfig 链路能训练上，但配置空间一直读全 1
	NoConfig bool

	cfg     *Memory
	readyAt time.Duration
}

func (e *Endpoint) init() {
	if e.ID == 0 {
		e.ID = DefaultEndpointID
	}
	e.cfg = NewMemory()
	w := e.cfg.Write
	w(pcie.CfgVendorDevice, e.ID)
	w(pcie.CfgCommand, 1<<20)
	w(pcie.CfgClassRev, 0x01080201)
	w(pcie.CfgCapPtr, 0x40)
	w(0x40, pcie.CapIDPM|epPCIeCap<<8|0x0003<<16)
	w(epPCIeCap, pcie.CapIDPCIe|0x0002<<16)
	w(epPCIeCap+pcie.PCIeLinkCap, uint32(pcie.LinkCapReg(0).WithMaxWidth(e.Width).WithMaxSpeed(e.Speed)))
	w(pcie.ExtCapBase, pcie.ExtCapIDAER|2<<16)
}

// read crs 为真时 CRS 期间读 vendor id 返回 0x0001
func (e *Endpoint) read(now time.Duration, reg uint32, crs bool) uint32 {
	if e.NoConfig {
		return allOnes
	}
	if now < e.readyAt {
		if reg == pcie.CfgVendorDevice && crs {
			return 0xFFFF0001
		}
		return allOnes
	}
	return e.cfg.Read(uint64(reg), 0)
}

func (e *Endpoint) write(reg uint32, val uint32) {
	if e.NoConfig {
		return
	}
	e.cfg.Write(uint64(reg), val)
}
