package testutils

import (
	"bytes"
	"encoding/json"
	"os"
	"reflect"
	"testing"

	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
	"pcie_tool/pkg/logutil"
)

// RCConfig 测试用 RC 配置，地址按 id 错开
func RCConfig(id uint8, t pcie.RootComplexType, low, high pcie.DevMap) pcie.RootComplexConfig {
	return pcie.RootComplexConfig{
		Socket:         0,
		ID:             id,
		Type:           t,
		Active:         true,
		HostBridgeBase: 0x2000_0000 + uint64(id)*0x1000,
		MmcfgBase:      0x8000_0000 + uint64(id)*0x1000_0000,
		SerdesBase:     0x3000_0000 + uint64(id)*0x10_0000,
		CsrBase:        0x4000_0000 + uint64(id)*0x100_0000,
		DevMapLow:      low,
		DevMapHigh:     high,
		MaxGen:         4,
	}
}

// Bench 模拟硬件 + 拓扑 + Core
type Bench struct {
	Machine *sim.Machine
	Topo    *pcie.Topology
	Core    *pcie.Core
	RCs     []*sim.RootComplex
}

func NewBench(t testing.TB, cfgs ...pcie.RootComplexConfig) *Bench {
	t.Helper()
	return NewBenchTiming(t, sim.DefaultTiming, cfgs...)
}

func NewBenchTiming(t testing.TB, tm sim.Timing, cfgs ...pcie.RootComplexConfig) *Bench {
	t.Helper()
	m := sim.New()
	b := &Bench{Machine: m}
	for _, cfg := range cfgs {
		b.RCs = append(b.RCs, m.AddRootComplex(cfg, tm))
	}
	topo, err := pcie.NewTopology(cfgs)
	if err != nil {
		t.Fatalf("构造拓扑失败: %v", err)
	}
	b.Topo = topo
	b.Core = pcie.NewCore(m.Platform(), topo)
	return b
}

// RC 第 i 个 RC 的拓扑和硬件模型
func (b *Bench) RC(i int) (*pcie.RootComplex, *sim.RootComplex) {
	return b.Topo.RootComplexes[i], b.RCs[i]
}

// CaptureLog 把日志输出重定向到 buffer，用例结束后恢复
func CaptureLog(t testing.TB, level logutil.LogLevel) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logutil.SetOutput(&buf)
	logutil.SetLogLevel(level)
	t.Cleanup(func() {
		logutil.SetOutput(os.Stdout)
		logutil.SetLogLevel(logutil.INFO)
	})
	return &buf
}

// ReadJSONFile 读取 JSON 文件
func ReadJSONFile[T any](filePath string) (*T, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var result T
	if err := json.Unmarshal(file, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CompareJSON 比较两份 JSON 反序列化结果
func CompareJSON[T any](actual, expected *T) bool {
	return reflect.DeepEqual(actual, expected)
}
