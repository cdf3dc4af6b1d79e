package pcie

import (
	"fmt"
)

type RootComplexType uint8

const (
	TypeA RootComplexType = iota // 4 个控制器，x16 只有低半区
	TypeB                        // 8 个控制器，两个 x8 半区
)

func (t RootComplexType) String() string {
	switch t {
	case TypeA:
		return "A"
	case TypeB:
		return "B"
	}
	return fmt.Sprintf("RootComplexType(%d)", uint8(t))
}

// ParseRootComplexType 板级配置里写 "A"/"B"
func ParseRootComplexType(s string) (RootComplexType, error) {
	switch s {
	case "A", "a":
		return TypeA, nil
	case "B", "b":
		return TypeB, nil
	}
	return TypeA, fmt.Errorf("%w: root complex type %q", ErrInvalidConfig, s)
}

const (
	MaxControllers      = 8
	ControllersPerHalf  = 4
	maxControllersTypeA = 4
	maxControllersTypeB = 8
	lanesTypeA          = 16 // 低半区独占
	lanesPerHalfTypeB   = 8
	CsrStride           = 0x10000 // 相邻控制器 CSR 块间隔
)

// DevMap 一个半区(4 个控制器)的分叉模式
type DevMap uint8

const (
	DevMapMode1 DevMap = iota // 全部 lane 给 C0
	DevMapMode2               // C0、C2 各一半
	DevMapMode3               // C0 一半，C2、C3 各四分之一
	DevMapMode4               // 四个控制器平分
	DevMapAuto  DevMap = 0x7  // 只出现在配置里，由分叉解析器决定，不会写进硬件
)

var devMapNames = map[DevMap]string{
	DevMapMode1: "mode1",
	DevMapMode2: "mode2",
	DevMapMode3: "mode3",
	DevMapMode4: "mode4",
	DevMapAuto:  "auto",
}

func (m DevMap) String() string {
	if s, ok := devMapNames[m]; ok {
		return s
	}
	return fmt.Sprintf("DevMap(%d)", uint8(m))
}

func ParseDevMap(s string) (DevMap, error) {
	for k, v := range devMapNames {
		if v == s {
			return k, nil
		}
	}
	return DevMapMode1, fmt.Errorf("%w: devmap %q", ErrInvalidConfig, s)
}

// Valid 只认四种硬件模式
func (m DevMap) Valid() bool { return m <= DevMapMode4 }

// LaneRange 控制器占用的物理 lane 区间 [Start, Start+Width)
type LaneRange struct {
	Start int
	Width uint8
}

// halfLayout 按模式给出半区内 4 个控制器的 lane 分配，lanes 为半区总 lane 数
func halfLayout(m DevMap, lanes int) [ControllersPerHalf]LaneRange {
	h, q := lanes/2, lanes/4
	switch m {
	case DevMapMode1:
		return [4]LaneRange{{0, uint8(lanes)}, {}, {}, {}}
	case DevMapMode2:
		return [4]LaneRange{{0, uint8(h)}, {}, {h, uint8(h)}, {}}
	case DevMapMode3:
		return [4]LaneRange{{0, uint8(h)}, {}, {h, uint8(q)}, {h + q, uint8(q)}}
	default:
		return [4]LaneRange{{0, uint8(q)}, {q, uint8(q)}, {h, uint8(q)}, {h + q, uint8(q)}}
	}
}

// LaneLayout 给出整个 Root Complex 的 lane 分配，Width 为 0 表示控制器不工作
func LaneLayout(t RootComplexType, low, high DevMap) [MaxControllers]LaneRange {
	var out [MaxControllers]LaneRange
	if t == TypeA {
		lo := halfLayout(low, lanesTypeA)
		copy(out[:4], lo[:])
		return out
	}
	lo := halfLayout(low, lanesPerHalfTypeB)
	hi := halfLayout(high, lanesPerHalfTypeB)
	copy(out[:4], lo[:])
	for i, r := range hi {
		if r.Width != 0 {
			r.Start += lanesPerHalfTypeB
		}
		out[4+i] = r
	}
	return out
}

// HalfWidth 半区的一半宽度: A 型 x8, B 型 x4
// 分叉判定里用来区分反向插入的宽卡
func (t RootComplexType) HalfWidth() uint8 {
	if t == TypeA {
		return lanesTypeA / 2
	}
	return lanesPerHalfTypeB / 2
}

// Controller 一个 lane 组对应的 root port
type Controller struct {
	CsrBase  uint64 `json:"csr_base"`
	DevNum   uint8  `json:"dev_num"`
	Active   bool   `json:"active"`
	LinkUp   bool   `json:"link_up"`
	MaxWidth uint8  `json:"max_width"`
	MaxGen   uint8  `json:"max_gen"`

	// 训练后回读的协商结果，只用于上报
	LinkWidth uint8 `json:"link_width"`
	LinkSpeed uint8 `json:"link_speed"`

	// 硬件就绪超时，控制器在本次启动里不再参与训练
	Fault error `json:"-"`
}

// Faulted 供 JSON 报告使用
func (c *Controller) Faulted() bool { return c.Fault != nil }

// RootComplexConfig 板级层给出的静态配置
type RootComplexConfig struct {
	Socket         uint8
	ID             uint8
	Type           RootComplexType
	Active         bool
	HostBridgeBase uint64
	MmcfgBase      uint64
	SerdesBase     uint64
	CsrBase        uint64
	DevMapLow      DevMap
	DevMapHigh     DevMap
	MaxGen         uint8
	Gen4Presets    [MaxControllers]uint8
}

type RootComplex struct {
	Socket         uint8           `json:"socket"`
	ID             uint8           `json:"id"`
	Type           RootComplexType `json:"type"`
	Active         bool            `json:"active"`
	HostBridgeBase uint64          `json:"host_bridge_base"`
	MmcfgBase      uint64          `json:"mmcfg_base"`
	SerdesBase     uint64          `json:"serdes_base"`
	DevMapLow      DevMap          `json:"devmap_low"`
	DevMapHigh     DevMap          `json:"devmap_high"`
	MaxControllers int             `json:"max_controllers"`

	Pcie [MaxControllers]Controller `json:"controllers"`

	// 0 表示使用默认 Gen4 preset
	Gen4Presets [MaxControllers]uint8 `json:"gen4_presets"`

	autoLow, autoHigh bool
	bifurcated        bool
}

func (rc *RootComplex) String() string {
	return fmt.Sprintf("S%d-RC%d(%s)", rc.Socket, rc.ID, rc.Type)
}

// NewRootComplex 在访问任何寄存器之前由板级配置构造
func NewRootComplex(cfg RootComplexConfig) (*RootComplex, error) {
	if cfg.MaxGen < 1 || cfg.MaxGen > 4 {
		return nil, fmt.Errorf("%w: max gen %d", ErrInvalidConfig, cfg.MaxGen)
	}
	rc := &RootComplex{
		Socket:         cfg.Socket,
		ID:             cfg.ID,
		Type:           cfg.Type,
		Active:         cfg.Active,
		HostBridgeBase: cfg.HostBridgeBase,
		MmcfgBase:      cfg.MmcfgBase,
		SerdesBase:     cfg.SerdesBase,
		Gen4Presets:    cfg.Gen4Presets,
		MaxControllers: maxControllersTypeA,
	}
	if cfg.Type == TypeB {
		rc.MaxControllers = maxControllersTypeB
	}

	low, high := cfg.DevMapLow, cfg.DevMapHigh
	if cfg.Type == TypeA {
		high = DevMapMode1
	}
	for _, m := range []DevMap{low, high} {
		if !m.Valid() && m != DevMapAuto {
			return nil, fmt.Errorf("%w: %s devmap %s", ErrInvalidConfig, rc, m)
		}
	}
	// auto 半区先按最细分叉建模，分叉解析器会再改写
	if low == DevMapAuto {
		rc.autoLow, low = true, DevMapMode4
	}
	if high == DevMapAuto {
		rc.autoHigh, high = true, DevMapMode4
	}

	for i := range rc.MaxControllers {
		rc.Pcie[i].CsrBase = cfg.CsrBase + uint64(i)*CsrStride
		rc.Pcie[i].DevNum = uint8(i + 1)
		rc.Pcie[i].MaxGen = cfg.MaxGen
	}
	rc.SetDevMap(low, high)
	return rc, nil
}

// SetDevMap 是唯一修改 Active/MaxWidth 的入口
func (rc *RootComplex) SetDevMap(low, high DevMap) {
	rc.DevMapLow, rc.DevMapHigh = low, high
	layout := LaneLayout(rc.Type, low, high)
	for i := range rc.Pcie {
		c := &rc.Pcie[i]
		if i >= rc.MaxControllers {
			*c = Controller{}
			continue
		}
		c.MaxWidth = layout[i].Width
		c.Active = layout[i].Width != 0
		if !c.Active {
			c.LinkUp = false
			c.LinkWidth, c.LinkSpeed = 0, 0
			c.Fault = nil
		}
	}
}

// NeedsBifurcation 配置为 auto 且还没有做过一次分叉
func (rc *RootComplex) NeedsBifurcation() bool {
	return (rc.autoLow || rc.autoHigh) && !rc.bifurcated
}

// Lanes 返回控制器当前占用的 lane 区间
func (rc *RootComplex) Lanes(idx int) LaneRange {
	return LaneLayout(rc.Type, rc.DevMapLow, rc.DevMapHigh)[idx]
}

// rootPortBase 控制器自身 root port 的配置空间(bus 0, dev=DevNum)
func (rc *RootComplex) rootPortBase(idx int) uint64 {
	return ecamAddr(rc.MmcfgBase, 0, rc.Pcie[idx].DevNum, 0)
}

// endpointBase 下游设备配置空间，secondary bus 编号与 DevNum 相同
func (rc *RootComplex) endpointBase(idx int) uint64 {
	return ecamAddr(rc.MmcfgBase, rc.Pcie[idx].DevNum, 0, 0)
}

// Topology 整个平台的链路拓扑，启动过程中独占传递
type Topology struct {
	RootComplexes []*RootComplex `json:"root_complexes"`
}

func NewTopology(cfgs []RootComplexConfig) (*Topology, error) {
	t := &Topology{}
	seen := make(map[[2]uint8]bool)
	for _, cfg := range cfgs {
		key := [2]uint8{cfg.Socket, cfg.ID}
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate root complex S%d-RC%d", ErrInvalidConfig, cfg.Socket, cfg.ID)
		}
		seen[key] = true
		rc, err := NewRootComplex(cfg)
		if err != nil {
			return nil, err
		}
		t.RootComplexes = append(t.RootComplexes, rc)
	}
	return t, nil
}

// Find 按 socket/id 查找
func (t *Topology) Find(socket, id uint8) *RootComplex {
	for _, rc := range t.RootComplexes {
		if rc.Socket == socket && rc.ID == id {
			return rc
		}
	}
	return nil
}

// ForEachController 按固定顺序遍历所有 Active 控制器
func (t *Topology) ForEachController(f func(rc *RootComplex, idx int)) {
	for _, rc := range t.RootComplexes {
		if !rc.Active {
			continue
		}
		for i := 0; i < rc.MaxControllers; i++ {
			if rc.Pcie[i].Active {
				f(rc, i)
			}
		}
	}
}
