package pcie

import (
	"fmt"

	"pcie_tool/pkg/toolutil/bit"
)

// 标准配置空间头
const (
	CfgVendorDevice = 0x00
	CfgCommand      = 0x04 // 高 16 位是 status
	CfgClassRev     = 0x08
	CfgBusNumber    = 0x18
	CfgCapPtr       = 0x34
	CfgInterrupt    = 0x3C

	ExtCapBase = 0x100 // 扩展能力区起始，也是 8/16 位 id 的分界
	CfgSize    = 0x1000
)

// 能力 id，标准能力 8 位，扩展能力 16 位
const (
	CapIDPM   = 0x01
	CapIDPCIe = 0x10

	ExtCapIDAER           = 0x0001
	ExtCapIDVendor        = 0x000B // RAS D.E.S. 挂在厂商自定义扩展能力上
	ExtCapIDSecondaryPCIe = 0x0019
	ExtCapIDPL16G         = 0x0026
)

// 相对 PCIe 能力头的偏移
const (
	PCIeLinkCap     = 0x0C
	PCIeLinkCtrlSts = 0x10
	PCIeSlotCap     = 0x14
	PCIeLinkCtrl2   = 0x30
)

// 相对扩展能力头的偏移
const (
	AERUncorrMask   = 0x08
	SecPCIeLaneEq   = 0x0C // 每 lane 16 bit
	PL16GLaneEq     = 0x20 // 每 lane 8 bit
	RasDesEventCtrl = 0x08
	RasDesEventData = 0x0C
)

// root port 厂商自定义端口逻辑寄存器(DBI)
const (
	PortLinkCtrl    = 0x710
	Gen2Ctrl        = 0x80C
	Gen3Related     = 0x890
	Gen3EqCtrl      = 0x8A8
	MiscCtrl1       = 0x8BC
	AmbaErrResp     = 0x8D0
	AmbaLinkTimeout = 0x8D4
	AmbaOrdering    = 0x8D8
)

// 控制器 CSR，相对 Controller.CsrBase
const (
	CsrReset       = 0x00
	CsrClock       = 0x04
	CsrRamShutdown = 0x08
	CsrMemReady    = 0x0C
	CsrBusCtl      = 0x10
	CsrLinkCtrl    = 0x14
	CsrLinkStat    = 0x18
	CsrBlockEvent  = 0x1C
	CsrDtiCtrl     = 0x20
)

// host bridge 寄存器，相对 HostBridgeBase，只能走 mailbox
const (
	HbDevMap       = 0x00
	HbVendorDevice = 0x04
	HbClassRevBase = 0x10 // + 4*function
)

const (
	LtssmStateL0       = 0x11
	ClassCodePCIBridge = 0x060400
	deviceAbsent       = 0xFFFFFFFF
	crsVendorID        = 0x0001 // CRS 期间读 vendor id 硬件返回 0x0001
)

var (
	bfLinkCapSpeed = bit.BitField{Name: "MaxSpeed", Start: 0, Len: 4}
	bfLinkCapWidth = bit.BitField{Name: "MaxWidth", Start: 4, Len: 6}

	bfLinkStsSpeed     = bit.BitField{Name: "Speed", Start: 16, Len: 4}
	bfLinkStsWidth     = bit.BitField{Name: "Width", Start: 20, Len: 6}
	bfLinkStsTraining  = bit.BitField{Name: "Training", Start: 27, Len: 1}
	bfLinkStsDllActive = bit.BitField{Name: "DllActive", Start: 29, Len: 1}
)

func field(v uint32, f bit.BitField) uint32 {
	return bit.ExtractBits(v, f.Start, f.Len)
}

func withField(v uint32, f bit.BitField, x uint32) uint32 {
	return bit.InsertBits(v, f.Start, f.Len, x)
}

// CommandReg 0x04 command/status
type CommandReg uint32

func (r CommandReg) CapList() bool { return bit.TestBit(uint32(r), 20) }

// BusNumberReg 0x18 primary/secondary/subordinate
type BusNumberReg uint32

func (r BusNumberReg) Primary() uint8     { return uint8(r) }
func (r BusNumberReg) Secondary() uint8   { return uint8(r >> 8) }
func (r BusNumberReg) Subordinate() uint8 { return uint8(r >> 16) }

// WithDownstream 把 secondary/subordinate 都设成 bus，只够访问一条总线
func (r BusNumberReg) WithDownstream(bus uint8) BusNumberReg {
	v := uint32(r) &^ 0x00FFFF00
	return BusNumberReg(v | uint32(bus)<<8 | uint32(bus)<<16)
}

// InterruptReg 0x3C，interrupt pin 在 15:8
type InterruptReg uint32

const intPinINTA = 1

func (r InterruptReg) Pin() uint8 { return uint8(r >> 8) }
func (r InterruptReg) WithPin(pin uint8) InterruptReg {
	return InterruptReg(bit.InsertBits(uint32(r), 8, 8, uint32(pin)))
}

// LinkCap 一次读取的链路能力快照，不做持久保存
type LinkCap struct {
	Width uint8
	Speed uint8
}

func (c LinkCap) String() string { return fmt.Sprintf("x%d Gen%d", c.Width, c.Speed) }

// Zero 能力寄存器完全没读到
func (c LinkCap) Zero() bool { return c.Width == 0 || c.Speed == 0 }

// Min 逐项取小
func (c LinkCap) Min(o LinkCap) LinkCap {
	return LinkCap{Width: min(c.Width, o.Width), Speed: min(c.Speed, o.Speed)}
}

// LinkCapReg PCIe cap + 0x0C，对 root port 是只读的，需要 DBI 写使能
type LinkCapReg uint32

func (r LinkCapReg) MaxWidth() uint8 { return uint8(field(uint32(r), bfLinkCapWidth)) }
func (r LinkCapReg) MaxSpeed() uint8 { return uint8(field(uint32(r), bfLinkCapSpeed)) }
func (r LinkCapReg) Snapshot() LinkCap {
	return LinkCap{Width: r.MaxWidth(), Speed: r.MaxSpeed()}
}
func (r LinkCapReg) WithMaxWidth(w uint8) LinkCapReg {
	return LinkCapReg(withField(uint32(r), bfLinkCapWidth, uint32(w)))
}
func (r LinkCapReg) WithMaxSpeed(gen uint8) LinkCapReg {
	return LinkCapReg(withField(uint32(r), bfLinkCapSpeed, uint32(gen)))
}

// LinkStatusReg PCIe cap + 0x10，低 16 位 link control，高 16 位 link status
type LinkStatusReg uint32

func (r LinkStatusReg) Width() uint8    { return uint8(field(uint32(r), bfLinkStsWidth)) }
func (r LinkStatusReg) Speed() uint8    { return uint8(field(uint32(r), bfLinkStsSpeed)) }
func (r LinkStatusReg) Training() bool  { return field(uint32(r), bfLinkStsTraining) != 0 }
func (r LinkStatusReg) DllActive() bool { return field(uint32(r), bfLinkStsDllActive) != 0 }
func (r LinkStatusReg) Negotiated() LinkCap {
	return LinkCap{Width: r.Width(), Speed: r.Speed()}
}

// SlotCapReg PCIe cap + 0x14
type SlotCapReg uint32

const (
	slotPowerLimitValue = 0x19 // 25 W, scale 1.0
	slotPowerLimitScale = 0
)

func (r SlotCapReg) PowerLimit() (value, scale uint8) {
	return uint8(bit.ExtractBits(uint32(r), 7, 8)), uint8(bit.ExtractBits(uint32(r), 15, 2))
}
func (r SlotCapReg) WithPowerLimit(value, scale uint8) SlotCapReg {
	v := bit.InsertBits(uint32(r), 7, 8, uint32(value))
	return SlotCapReg(bit.InsertBits(v, 15, 2, uint32(scale)))
}

// LinkCtrl2Reg PCIe cap + 0x30
type LinkCtrl2Reg uint32

func (r LinkCtrl2Reg) TargetSpeed() uint8 { return uint8(r & 0xF) }
func (r LinkCtrl2Reg) WithTargetSpeed(gen uint8) LinkCtrl2Reg {
	return LinkCtrl2Reg(bit.InsertBits(uint32(r), 0, 4, uint32(gen)))
}

// WithSelectableDeemphasis Gen2 -3.5dB
func (r LinkCtrl2Reg) WithSelectableDeemphasis(on bool) LinkCtrl2Reg {
	return LinkCtrl2Reg(bit.SetBit(uint32(r), 6, on))
}

// widthEncoding 链路宽度到端口逻辑寄存器编码
type widthEncoding struct {
	linkCapable uint32 // PortLinkCtrl[21:16]
	numLanes    uint32 // Gen2Ctrl[12:8]
}

var widthTable = map[uint8]widthEncoding{
	1:  {linkCapable: 0x01, numLanes: 0x01},
	2:  {linkCapable: 0x03, numLanes: 0x02},
	4:  {linkCapable: 0x07, numLanes: 0x04},
	8:  {linkCapable: 0x0F, numLanes: 0x08},
	16: {linkCapable: 0x1F, numLanes: 0x10},
}

// PortLinkCtrlReg 0x710
type PortLinkCtrlReg uint32

func (r PortLinkCtrlReg) LinkCapable() uint32 { return bit.ExtractBits(uint32(r), 16, 6) }
func (r PortLinkCtrlReg) WithLinkCapable(v uint32) PortLinkCtrlReg {
	return PortLinkCtrlReg(bit.InsertBits(uint32(r), 16, 6, v))
}

// Gen2CtrlReg 0x80C
type Gen2CtrlReg uint32

func (r Gen2CtrlReg) NumLanes() uint32 { return bit.ExtractBits(uint32(r), 8, 5) }
func (r Gen2CtrlReg) WithNumLanes(v uint32) Gen2CtrlReg {
	return Gen2CtrlReg(bit.InsertBits(uint32(r), 8, 5, v))
}

// Gen3RelatedReg 0x890，RateShadowSel 选择后续 0x8A8 写的是 Gen3 还是 Gen4 影子寄存器
type Gen3RelatedReg uint32

const (
	rateShadowGen3 = 0
	rateShadowGen4 = 1
)

func (r Gen3RelatedReg) EqDisable() bool { return bit.TestBit(uint32(r), 16) }
func (r Gen3RelatedReg) WithEqDisable(on bool) Gen3RelatedReg {
	return Gen3RelatedReg(bit.SetBit(uint32(r), 16, on))
}
func (r Gen3RelatedReg) RateShadowSel() uint32 { return bit.ExtractBits(uint32(r), 24, 2) }
func (r Gen3RelatedReg) WithRateShadowSel(v uint32) Gen3RelatedReg {
	return Gen3RelatedReg(bit.InsertBits(uint32(r), 24, 2, v))
}

// Gen3EqCtrlReg 0x8A8，bits 23:8 为 preset 请求向量
type Gen3EqCtrlReg uint32

const (
	gen3PresetVector = 0x0490 // P4 P7 P10
	gen4PresetVector = 0x0290 // P4 P7 P9
)

func (r Gen3EqCtrlReg) PresetVector() uint16 { return uint16(bit.ExtractBits(uint32(r), 8, 16)) }
func (r Gen3EqCtrlReg) WithPresetVector(v uint16) Gen3EqCtrlReg {
	return Gen3EqCtrlReg(bit.InsertBits(uint32(r), 8, 16, uint32(v)))
}

// MiscCtrl1Reg 0x8BC
type MiscCtrl1Reg uint32

func (r MiscCtrl1Reg) DbiWriteEnable() bool { return bit.TestBit(uint32(r), 0) }
func (r MiscCtrl1Reg) WithDbiWriteEnable(on bool) MiscCtrl1Reg {
	return MiscCtrl1Reg(bit.SetBit(uint32(r), 0, on))
}

// AmbaErrRespReg 0x8D0，CRS 字段 4:3
type AmbaErrRespReg uint32

const crsRespondVendorID = 2 // 读 vendor id 返回 0x0001，其他返回全 1

func (r AmbaErrRespReg) CRS() uint32 { return bit.ExtractBits(uint32(r), 3, 2) }
func (r AmbaErrRespReg) WithCRS(v uint32) AmbaErrRespReg {
	return AmbaErrRespReg(bit.InsertBits(uint32(r), 3, 2, v))
}

// AmbaLinkTimeoutReg 0x8D4，period 单位 ms
type AmbaLinkTimeoutReg uint32

func (r AmbaLinkTimeoutReg) Period() uint8  { return uint8(r) }
func (r AmbaLinkTimeoutReg) Disabled() bool { return bit.TestBit(uint32(r), 8) }
func (r AmbaLinkTimeoutReg) WithPeriod(ms uint8) AmbaLinkTimeoutReg {
	v := bit.InsertBits(uint32(r), 0, 8, uint32(ms))
	return AmbaLinkTimeoutReg(bit.SetBit(v, 8, false))
}

// AmbaOrderingReg 0x8D8
type AmbaOrderingReg uint32

func (r AmbaOrderingReg) ZeroByteRead() bool   { return bit.TestBit(uint32(r), 1) }
func (r AmbaOrderingReg) StrictOrdering() bool { return bit.TestBit(uint32(r), 0) }
func (r AmbaOrderingReg) WithZeroByteRead(on bool) AmbaOrderingReg {
	return AmbaOrderingReg(bit.SetBit(uint32(r), 1, on))
}
func (r AmbaOrderingReg) WithStrictOrdering(on bool) AmbaOrderingReg {
	return AmbaOrderingReg(bit.SetBit(uint32(r), 0, on))
}

// AERUncorrMaskReg AER + 0x08
type AERUncorrMaskReg uint32

func (r AERUncorrMaskReg) CompletionTimeout() bool { return bit.TestBit(uint32(r), 14) }
func (r AERUncorrMaskReg) WithCompletionTimeout(masked bool) AERUncorrMaskReg {
	return AERUncorrMaskReg(bit.SetBit(uint32(r), 14, masked))
}

// 均衡 preset 默认值
const (
	gen3LaneEqDefault = 0x5747 // DSP P7/hint4, USP P7/hint5
	gen4LaneEqDefault = 0x57
)

// RasCtrlReg RAS D.E.S. event counter control
//
//	[1:0]   清计数 (3 = 全部)
//	[4:2]   使能 (7 = 全部打开, 5 = 全部关闭)
//	[7]     状态
//	[11:8]  lane
//	[23:16] event
//	[27:24] group
type RasCtrlReg uint32

const (
	rasClearAll   = 3
	rasEnableAll  = 7
	rasDisableAll = 5
)

func (r RasCtrlReg) Clear() uint32  { return bit.ExtractBits(uint32(r), 0, 2) }
func (r RasCtrlReg) Enable() uint32 { return bit.ExtractBits(uint32(r), 2, 3) }
func (r RasCtrlReg) Lane() uint8    { return uint8(bit.ExtractBits(uint32(r), 8, 4)) }
func (r RasCtrlReg) Event() uint8   { return uint8(bit.ExtractBits(uint32(r), 16, 8)) }
func (r RasCtrlReg) Group() uint8   { return uint8(bit.ExtractBits(uint32(r), 24, 4)) }

func (r RasCtrlReg) WithClear(v uint32) RasCtrlReg {
	return RasCtrlReg(bit.InsertBits(uint32(r), 0, 2, v))
}
func (r RasCtrlReg) WithEnable(v uint32) RasCtrlReg {
	return RasCtrlReg(bit.InsertBits(uint32(r), 2, 3, v))
}

// WithSelect 选择 lane/group/event
func (r RasCtrlReg) WithSelect(lane, group, event uint8) RasCtrlReg {
	v := bit.InsertBits(uint32(r), 8, 4, uint32(lane))
	v = bit.InsertBits(v, 16, 8, uint32(event))
	return RasCtrlReg(bit.InsertBits(v, 24, 4, uint32(group)))
}

// 控制器 CSR 位定义
const (
	csrResetCore        = 1 << 0
	csrClockEnable      = 1 << 0
	csrRamShutdown      = 1 << 0
	csrMemReady         = 1 << 0
	csrBusCtlURMask     = 1 << 0
	csrLtssmEnable      = 1 << 0
	csrBlockEventLinkUp = 1 << 0
	csrDtiValid         = 1 << 16
)

// CsrLinkStatReg 控制器 link status CSR
//
//	[2]    PHY status，1 表示 PHY 未就绪
//	[13:8] LTSSM state
//	[16]   SMLH link up
//	[17]   RDLH link up
type CsrLinkStatReg uint32

func (r CsrLinkStatReg) PhyStatus() bool  { return bit.TestBit(uint32(r), 2) }
func (r CsrLinkStatReg) Ltssm() uint8     { return uint8(bit.ExtractBits(uint32(r), 8, 6)) }
func (r CsrLinkStatReg) SmlhLinkUp() bool { return bit.TestBit(uint32(r), 16) }
func (r CsrLinkStatReg) RdlhLinkUp() bool { return bit.TestBit(uint32(r), 17) }

// MakeCsrLinkStat 给模拟硬件用
func MakeCsrLinkStat(phyStatus bool, ltssm uint8, smlh, rdlh bool) CsrLinkStatReg {
	v := bit.SetBit(uint32(0), 2, phyStatus)
	v = bit.InsertBits(v, 8, 6, uint32(ltssm))
	v = bit.SetBit(v, 16, smlh)
	return CsrLinkStatReg(bit.SetBit(v, 17, rdlh))
}

// dtiRootPortID DTI 里 root port 的 requester id
func dtiRootPortID(rc *RootComplex, idx int) uint32 {
	return uint32(rc.ID)<<8 | uint32(rc.Pcie[idx].DevNum)<<3
}

// DevMapReg host bridge devmap，[2:0] 低半区，[6:4] 高半区(仅 B 型)
type DevMapReg uint32

func (r DevMapReg) Low() DevMap  { return DevMap(bit.ExtractBits(uint32(r), 0, 3)) }
func (r DevMapReg) High() DevMap { return DevMap(bit.ExtractBits(uint32(r), 4, 3)) }
func MakeDevMapReg(low, high DevMap) DevMapReg {
	v := bit.InsertBits(uint32(0), 0, 3, uint32(low))
	return DevMapReg(bit.InsertBits(v, 4, 3, uint32(high)))
}
