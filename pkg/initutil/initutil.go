package initutil

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"pcie_tool/pkg/errorutil"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
	"pcie_tool/pkg/logutil"
	"pcie_tool/pkg/toolutil/hex"
)

// Board 一块板子的 RC 配置，以及模拟平台上插的卡
type Board struct {
	Name          string
	RootComplexes []pcie.RootComplexConfig
	// 与 RootComplexes 一一对应
	Endpoints       [][]sim.Endpoint
	Timing          sim.Timing
	RecoveryCadence time.Duration
}

// InitSystem 命令行 flag 解析完成后初始化日志，重复调用只有第一次生效
func InitSystem(logFile string, level logutil.LogLevel) {
	logutil.InitLogger(logFile, level)
	logutil.Debug("日志等级 %s，输出到 %s", level.String(), logFile)
}

// LoadBoard 读取板级 JSON，先应用 --set 覆盖再解析
func LoadBoard(path string, sets []string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeMissingInput, "读取板级配置失败", err)
	}
	data, err = ApplyOverrides(data, sets)
	if err != nil {
		return nil, err
	}
	logutil.Debug("板级配置 %s:\n%s", path, data)
	return ParseBoard(data)
}

// ApplyOverrides key=value 形式的覆盖，key 为 sjson 路径
// value 是合法 JSON(数字、布尔、数组...)时按原样写入，否则按字符串写入
//
//	root_complexes.0.devmap_low=auto
//	root_complexes.0.endpoints.0.width=8
func ApplyOverrides(data []byte, sets []string) ([]byte, error) {
	for _, s := range sets {
		key, val, ok := strings.Cut(s, "=")
		if !ok || key == "" {
			return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage,
				fmt.Sprintf("无效的覆盖 %q，应为 key=value", s), nil)
		}
		var err error
		if gjson.Valid(val) {
			data, err = sjson.SetRawBytes(data, key, []byte(val))
		} else {
			data, err = sjson.SetBytes(data, key, val)
		}
		if err != nil {
			return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidData,
				fmt.Sprintf("覆盖 %q 失败", s), err)
		}
	}
	return data, nil
}

func configError(format string, args ...any) error {
	return errorutil.NewExitErrorWithMessage(errorutil.CodeConfigError, fmt.Sprintf(format, args...), pcie.ErrInvalidConfig)
}

// ParseBoard 解析板级 JSON
func ParseBoard(data []byte) (*Board, error) {
	if !gjson.ValidBytes(data) {
		return nil, configError("板级配置不是合法 JSON")
	}
	root := gjson.ParseBytes(data)
	b := &Board{
		Name:            root.Get("name").String(),
		Timing:          sim.DefaultTiming,
		RecoveryCadence: pcie.DefaultRecoveryCadence,
	}
	if v := root.Get("recovery_cadence_ms"); v.Exists() {
		b.RecoveryCadence = time.Duration(v.Float() * float64(time.Millisecond))
	}
	parseTiming(root.Get("timing"), &b.Timing)

	rcs := root.Get("root_complexes")
	if !rcs.IsArray() || len(rcs.Array()) == 0 {
		return nil, configError("root_complexes 为空")
	}
	for i, r := range rcs.Array() {
		cfg, err := parseRootComplex(r)
		if err != nil {
			return nil, configError("root_complexes.%d: %v", i, err)
		}
		eps, err := parseEndpoints(r.Get("endpoints"))
		if err != nil {
			return nil, configError("root_complexes.%d: %v", i, err)
		}
		b.RootComplexes = append(b.RootComplexes, cfg)
		b.Endpoints = append(b.Endpoints, eps)
	}
	return b, nil
}

// duration 负数表示永远不就绪
func duration(v gjson.Result, unit time.Duration, def time.Duration) time.Duration {
	if !v.Exists() {
		return def
	}
	if v.Float() < 0 {
		return sim.Never
	}
	return time.Duration(v.Float() * float64(unit))
}

func parseTiming(v gjson.Result, t *sim.Timing) {
	if !v.Exists() {
		return
	}
	t.MemReady = duration(v.Get("mem_ready_us"), time.Microsecond, t.MemReady)
	t.PhyReady = duration(v.Get("phy_ready_us"), time.Microsecond, t.PhyReady)
	t.Train = duration(v.Get("train_ms"), time.Millisecond, t.Train)
}

// Address 地址既可以写成 "0x..." 字符串也可以写成数字
func Address(v gjson.Result) (uint64, error) {
	switch v.Type {
	case gjson.String:
		return hex.ParseHexToUint64(v.String())
	case gjson.Number:
		return v.Uint(), nil
	}
	return 0, fmt.Errorf("invalid address %s", v.Raw)
}

func parseRootComplex(r gjson.Result) (pcie.RootComplexConfig, error) {
	cfg := pcie.RootComplexConfig{
		Socket: uint8(r.Get("socket").Uint()),
		ID:     uint8(r.Get("id").Uint()),
		Active: true,
		MaxGen: 4,
	}
	var err error
	if cfg.Type, err = pcie.ParseRootComplexType(r.Get("type").String()); err != nil {
		return cfg, err
	}
	if v := r.Get("active"); v.Exists() {
		cfg.Active = v.Bool()
	}
	if v := r.Get("max_gen"); v.Exists() {
		cfg.MaxGen = uint8(v.Uint())
	}

	for _, a := range []struct {
		key string
		dst *uint64
	}{
		{"host_bridge", &cfg.HostBridgeBase},
		{"mmcfg", &cfg.MmcfgBase},
		{"serdes", &cfg.SerdesBase},
		{"csr", &cfg.CsrBase},
	} {
		v := r.Get(a.key)
		if !v.Exists() {
			return cfg, fmt.Errorf("missing %s", a.key)
		}
		if *a.dst, err = Address(v); err != nil {
			return cfg, fmt.Errorf("%s: %w", a.key, err)
		}
	}

	low, high := r.Get("devmap_low").String(), r.Get("devmap_high").String()
	if low == "" {
		low = pcie.DevMapMode1.String()
	}
	if high == "" {
		high = pcie.DevMapMode1.String()
	}
	if cfg.DevMapLow, err = pcie.ParseDevMap(strings.ToLower(low)); err != nil {
		return cfg, err
	}
	if cfg.DevMapHigh, err = pcie.ParseDevMap(strings.ToLower(high)); err != nil {
		return cfg, err
	}

	presets := r.Get("gen4_presets").Array()
	if len(presets) > pcie.MaxControllers {
		return cfg, fmt.Errorf("gen4_presets has %d entries", len(presets))
	}
	for i, p := range presets {
		v, err := Address(p)
		if err != nil || v > 0xFF {
			return cfg, fmt.Errorf("gen4_presets.%d: invalid preset %s", i, p.Raw)
		}
		cfg.Gen4Presets[i] = uint8(v)
	}
	return cfg, nil
}

func parseEndpoints(v gjson.Result) ([]sim.Endpoint, error) {
	var eps []sim.Endpoint
	for i, e := range v.Array() {
		ep := sim.Endpoint{
			Name:          e.Get("name").String(),
			Lane:          int(e.Get("lane").Int()),
			Width:         uint8(e.Get("width").Uint()),
			Speed:         uint8(e.Get("speed").Uint()),
			Reversed:      e.Get("reversed").Bool(),
			CRSFor:        duration(e.Get("crs_ms"), time.Millisecond, 0),
			FailTrainings: int(e.Get("fail_trainings").Int()),
			DegradeWidth:  uint8(e.Get("degrade_width").Uint()),
			DegradeTimes:  int(e.Get("degrade_times").Int()),
			NoConfig:      e.Get("no_config").Bool(),
		}
		switch id := e.Get("id"); id.Type {
		case gjson.String:
			v, err := hex.ParseHexToUint32(id.String())
			if err != nil {
				return nil, fmt.Errorf("endpoints.%d.id: %w", i, err)
			}
			ep.ID = v
		case gjson.Number:
			ep.ID = uint32(id.Uint())
		}
		if ep.Name == "" {
			ep.Name = fmt.Sprintf("ep%d", i)
		}
		switch ep.Width {
		case 1, 2, 4, 8, 16:
		default:
			return nil, fmt.Errorf("endpoints.%d: invalid width %d", i, ep.Width)
		}
		if ep.Speed < 1 || ep.Speed > 4 {
			return nil, fmt.Errorf("endpoints.%d: invalid speed %d", i, ep.Speed)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// NewSimulation 按板级配置建模拟平台，返回平台和与 RootComplexes 对应的 RC 模型
func (b *Board) NewSimulation() (*sim.Machine, []*sim.RootComplex) {
	m := sim.New()
	rcs := make([]*sim.RootComplex, 0, len(b.RootComplexes))
	for i, cfg := range b.RootComplexes {
		r := m.AddRootComplex(cfg, b.Timing)
		for j := range b.Endpoints[i] {
			ep := b.Endpoints[i][j]
			r.Plug(&ep)
		}
		rcs = append(rcs, r)
	}
	return m, rcs
}
