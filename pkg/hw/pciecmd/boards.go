package pciecmd

import (
	"embed"
	"fmt"
	"slices"
	"strings"

	"pcie_tool/pkg/errorutil"
	"pcie_tool/pkg/initutil"
)

// 内置的模拟板子，--board 没给时按 --scenario 选一个
//
//go:embed boards/*.json
var boardFS embed.FS

// scenarios 注册所有内置场景：simple、bifurcation、recovery
var scenarios = map[string]string{
	"simple":      "boards/simple.json",
	"bifurcation": "boards/bifurcation.json",
	"recovery":    "boards/recovery.json",
}

// Scenarios 按名字排序
func Scenarios() []string {
	names := make([]string, 0, len(scenarios))
	for k := range scenarios {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// loadScenario 内置场景同样支持 --set 覆盖
func loadScenario(name string, sets []string) (*initutil.Board, error) {
	path, ok := scenarios[name]
	if !ok {
		return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage,
			fmt.Sprintf("未知场景 %q，可选: %s", name, strings.Join(Scenarios(), ", ")), nil)
	}
	data, err := boardFS.ReadFile(path)
	if err != nil {
		return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeInternalErr, "读取内置场景失败", err)
	}
	data, err = initutil.ApplyOverrides(data, sets)
	if err != nil {
		return nil, err
	}
	return initutil.ParseBoard(data)
}
