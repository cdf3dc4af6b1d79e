package pcie

import (
	"fmt"
	"slices"
	"strings"

	"github.com/armon/go-radix"

	"pcie_tool/pkg/toolutil/bit"
)

// 寄存器所在的地址空间，名字的第一段就是空间
const (
	SpaceCSR  = "csr"  // Controller.CsrBase
	SpaceCfg  = "cfg"  // root port 配置空间
	SpacePCIe = "pcie" // root port PCIe 能力
	SpaceAER  = "aer"
	SpaceRAS  = "ras"
)

func bf(name string, start, length byte) *bit.BitField {
	return &bit.BitField{Name: name, Start: start, Len: length}
}

var registerTable = []*bit.RegisterDescriptor{
	{Name: "csr.reset", Space: SpaceCSR, Offset: CsrReset, Fields: []*bit.BitField{bf("CoreReset", 0, 1)}},
	{Name: "csr.clock", Space: SpaceCSR, Offset: CsrClock, Fields: []*bit.BitField{bf("AxiPipeClock", 0, 1)}},
	{Name: "csr.ramshutdown", Space: SpaceCSR, Offset: CsrRamShutdown, Fields: []*bit.BitField{bf("Shutdown", 0, 1)}},
	{Name: "csr.memready", Space: SpaceCSR, Offset: CsrMemReady, Fields: []*bit.BitField{bf("Ready", 0, 1)}},
	{Name: "csr.busctl", Space: SpaceCSR, Offset: CsrBusCtl, Fields: []*bit.BitField{bf("URMask", 0, 1)}},
	{Name: "csr.linkctrl", Space: SpaceCSR, Offset: CsrLinkCtrl, Fields: []*bit.BitField{bf("LtssmEnable", 0, 1)}},
	{Name: "csr.linkstat", Space: SpaceCSR, Offset: CsrLinkStat, Fields: []*bit.BitField{
		bf("PhyStatus", 2, 1), bf("Ltssm", 8, 6), bf("SmlhLinkUp", 16, 1), bf("RdlhLinkUp", 17, 1),
	}, Doc: "PhyStatus=1 表示时钟已开、PHY 尚未就绪，L0 = 0x11"},
	{Name: "csr.blockevent", Space: SpaceCSR, Offset: CsrBlockEvent, Fields: []*bit.BitField{bf("LinkUp", 0, 1)}},
	{Name: "csr.dti", Space: SpaceCSR, Offset: CsrDtiCtrl, Fields: []*bit.BitField{bf("RootPortID", 0, 16), bf("Valid", 16, 1)}},

	{Name: "cfg.id", Space: SpaceCfg, Offset: CfgVendorDevice, Fields: []*bit.BitField{bf("VendorID", 0, 16), bf("DeviceID", 16, 16)}},
	{Name: "cfg.command", Space: SpaceCfg, Offset: CfgCommand, Fields: []*bit.BitField{bf("Command", 0, 16), bf("CapList", 20, 1)}},
	{Name: "cfg.class", Space: SpaceCfg, Offset: CfgClassRev, Fields: []*bit.BitField{bf("Revision", 0, 8), bf("ClassCode", 8, 24)}},
	{Name: "cfg.busnum", Space: SpaceCfg, Offset: CfgBusNumber, Fields: []*bit.BitField{
		bf("Primary", 0, 8), bf("Secondary", 8, 8), bf("Subordinate", 16, 8),
	}},
	{Name: "cfg.interrupt", Space: SpaceCfg, Offset: CfgInterrupt, Fields: []*bit.BitField{bf("Line", 0, 8), bf("Pin", 8, 8)}},
	{Name: "cfg.portlinkctrl", Space: SpaceCfg, Offset: PortLinkCtrl, Fields: []*bit.BitField{bf("LinkCapable", 16, 6)}},
	{Name: "cfg.gen2ctrl", Space: SpaceCfg, Offset: Gen2Ctrl, Fields: []*bit.BitField{bf("NumLanes", 8, 5)}},
	{Name: "cfg.gen3related", Space: SpaceCfg, Offset: Gen3Related, Fields: []*bit.BitField{bf("EqDisable", 16, 1), bf("RateShadowSel", 24, 2)}},
	{Name: "cfg.gen3eqctrl", Space: SpaceCfg, Offset: Gen3EqCtrl, Fields: []*bit.BitField{bf("PresetVector", 8, 16)}},
	{Name: "cfg.miscctrl1", Space: SpaceCfg, Offset: MiscCtrl1, Fields: []*bit.BitField{bf("DbiRoWrEn", 0, 1)}},
	{Name: "cfg.ambaerrresp", Space: SpaceCfg, Offset: AmbaErrResp, Fields: []*bit.BitField{bf("CRS", 3, 2)}},
	{Name: "cfg.ambalinktimeout", Space: SpaceCfg, Offset: AmbaLinkTimeout, Fields: []*bit.BitField{bf("PeriodMs", 0, 8), bf("Disable", 8, 1)}},
	{Name: "cfg.ambaordering", Space: SpaceCfg, Offset: AmbaOrdering, Fields: []*bit.BitField{bf("Strict", 0, 1), bf("ZeroByteRead", 1, 1)}},

	{Name: "pcie.linkcap", Space: SpacePCIe, Offset: PCIeLinkCap, Fields: []*bit.BitField{bf("MaxSpeed", 0, 4), bf("MaxWidth", 4, 6)}},
	{Name: "pcie.linkctrlsts", Space: SpacePCIe, Offset: PCIeLinkCtrlSts, Fields: []*bit.BitField{
		bf("Speed", 16, 4), bf("Width", 20, 6), bf("Training", 27, 1), bf("DllActive", 29, 1),
	}},
	{Name: "pcie.slotcap", Space: SpacePCIe, Offset: PCIeSlotCap, Fields: []*bit.BitField{bf("PowerLimitValue", 7, 8), bf("PowerLimitScale", 15, 2)}},
	{Name: "pcie.linkctrl2", Space: SpacePCIe, Offset: PCIeLinkCtrl2, Fields: []*bit.BitField{bf("TargetSpeed", 0, 4), bf("Deemphasis", 6, 1)}},

	{Name: "aer.uncorrmask", Space: SpaceAER, Offset: AERUncorrMask, Fields: []*bit.BitField{bf("CompletionTimeout", 14, 1)}},

	{Name: "ras.ctrl", Space: SpaceRAS, Offset: RasDesEventCtrl, Fields: []*bit.BitField{
		bf("Clear", 0, 2), bf("Enable", 2, 3), bf("Status", 7, 1), bf("Lane", 8, 4), bf("Event", 16, 8), bf("Group", 24, 4),
	}},
	{Name: "ras.data", Space: SpaceRAS, Offset: RasDesEventData, Fields: []*bit.BitField{bf("Count", 0, 32)}},
}

// Registers 按名字查寄存器描述，支持前缀
type Registers struct {
	tree *radix.Tree
}

func NewRegisters() *Registers {
	r := &Registers{tree: radix.New()}
	for _, d := range registerTable {
		r.tree.Insert(d.Name, d)
	}
	return r
}

func (r *Registers) Get(name string) (*bit.RegisterDescriptor, bool) {
	v, ok := r.tree.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*bit.RegisterDescriptor), true
}

// Prefix 按名字排序返回所有以 prefix 开头的寄存器
func (r *Registers) Prefix(prefix string) []*bit.RegisterDescriptor {
	var out []*bit.RegisterDescriptor
	r.tree.WalkPrefix(prefix, func(_ string, v any) bool {
		out = append(out, v.(*bit.RegisterDescriptor))
		return false
	})
	return out
}

// Lookup 完整名字直接命中；否则按前缀唯一匹配
func (r *Registers) Lookup(name string) (*bit.RegisterDescriptor, error) {
	if d, ok := r.Get(name); ok {
		return d, nil
	}
	m := r.Prefix(name)
	switch len(m) {
	case 0:
		return nil, fmt.Errorf("unknown register %q", name)
	case 1:
		return m[0], nil
	}
	names := make([]string, 0, len(m))
	for _, d := range m {
		names = append(names, d.Name)
	}
	return nil, fmt.Errorf("register %q is ambiguous: %s", name, strings.Join(names, ", "))
}

// Tree 按 "." 分段打印层级
//
//	cfg
//	  busnum : 0x018
//	csr
//	  reset : 0x000
func (r *Registers) Tree() string {
	var sb strings.Builder
	var last []string
	r.tree.Walk(func(key string, v any) bool {
		parts := strings.Split(key, ".")
		same := 0
		for same < len(last) && same < len(parts)-1 && last[same] == parts[same] {
			same++
		}
		for i := same; i < len(parts)-1; i++ {
			sb.WriteString(fmt.Sprintf("%s%s\n", strings.Repeat("  ", i), parts[i]))
		}
		d := v.(*bit.RegisterDescriptor)
		sb.WriteString(fmt.Sprintf("%s%s : 0x%03X\n", strings.Repeat("  ", len(parts)-1), parts[len(parts)-1], d.Offset))
		last = parts[:len(parts)-1]
		return false
	})
	return sb.String()
}

// Spaces 已知的地址空间
func (r *Registers) Spaces() []string {
	seen := map[string]bool{}
	for _, d := range registerTable {
		seen[d.Space] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// SpaceBase 给出某个控制器上地址空间的基址，能力不存在时返回 ErrCapabilityNotFound
func (c *Core) SpaceBase(rc *RootComplex, idx int, space string) (uint64, error) {
	base := rc.rootPortBase(idx)
	var capID CapID
	switch space {
	case SpaceCSR:
		return rc.Pcie[idx].CsrBase, nil
	case SpaceCfg:
		return base, nil
	case SpacePCIe:
		capID = CapPCIe
	case SpaceAER:
		capID = CapAER
	case SpaceRAS:
		capID = CapRasDes
	default:
		return 0, fmt.Errorf("unknown register space %q", space)
	}
	addr, ok := FindCapability(c.p.Bus, base, capID)
	if !ok {
		return 0, fmt.Errorf("%s C%d %v: %w", rc, idx, capID, ErrCapabilityNotFound)
	}
	return addr, nil
}

// ReadRegister 读取并解码
func (c *Core) ReadRegister(rc *RootComplex, idx int, d *bit.RegisterDescriptor) (uint32, []bit.FieldValue, error) {
	base, err := c.SpaceBase(rc, idx, d.Space)
	if err != nil {
		return 0, nil, err
	}
	rd := bit.FunctionReader(func(base uint64, off uint32) uint32 {
		return c.p.Bus.Read32(base + uint64(off))
	})
	v, fields := d.ReadFrom(rd, base)
	return v, fields, nil
}
