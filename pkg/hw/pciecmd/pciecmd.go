package pciecmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mohae/deepcopy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pcie_tool/pkg/errorutil"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/hw/pcie/sim"
	"pcie_tool/pkg/initutil"
	"pcie_tool/pkg/logutil"
	"pcie_tool/pkg/toolutil/bit"
)

// PCIECmd 定义根命令 "pcie"
func PCIECmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcie",
		Short: "PCIe Root Complex 启动(模拟平台)",
	}
	cmd.AddCommand(bringupCmd(), capsCmd(), regCmd(), topologyCmd())
	return cmd
}

// boardOptions 所有子命令共用的板级选项
type boardOptions struct {
	board    string
	scenario string
	sets     []string
}

func (o *boardOptions) register(fs *pflag.FlagSet) {
	fs.StringVarP(&o.board, "board", "b", "", "板级配置 JSON 文件，为空时使用 --scenario")
	fs.StringVar(&o.scenario, "scenario", "simple", fmt.Sprintf("内置场景(%s)", strings.Join(Scenarios(), ", ")))
	fs.StringArrayVar(&o.sets, "set", nil, "覆盖配置项 key=value，key 为 JSON 路径，可重复")
}

func (o *boardOptions) load() (*initutil.Board, error) {
	if o.board != "" {
		return initutil.LoadBoard(o.board, o.sets)
	}
	return loadScenario(o.scenario, o.sets)
}

// session 一次命令执行用到的模拟硬件和 Core
type session struct {
	board   *initutil.Board
	machine *sim.Machine
	topo    *pcie.Topology
	core    *pcie.Core
}

func newSession(o *boardOptions) (*session, error) {
	b, err := o.load()
	if err != nil {
		return nil, err
	}
	topo, err := pcie.NewTopology(b.RootComplexes)
	if err != nil {
		return nil, errorutil.NewExitErrorWithMessage(errorutil.CodeConfigError, "构造拓扑失败", err)
	}
	m, _ := b.NewSimulation()
	s := &session{board: b, machine: m, topo: topo, core: pcie.NewCore(m.Platform(), topo)}
	s.core.Recovery().Cadence = b.RecoveryCadence
	logutil.Info("板子 %s: %d 个 RC", b.Name, len(topo.RootComplexes))
	return s, nil
}

// init 执行完整启动；host bridge/PHY 失败转成硬件错误码
func (s *session) init() error {
	if err := s.core.Init(); err != nil {
		return errorutil.NewExitErrorWithMessage(errorutil.CodeHardware, "部分 RC 启动失败", err)
	}
	return nil
}

// controllerSelector --socket/--rc/--ctrl
type controllerSelector struct {
	socket, rc uint8
	ctrl       int
}

func (c *controllerSelector) register(fs *pflag.FlagSet) {
	fs.Uint8Var(&c.socket, "socket", 0, "socket 编号")
	fs.Uint8Var(&c.rc, "rc", 0, "RC 编号")
	fs.IntVarP(&c.ctrl, "ctrl", "c", 0, "控制器编号")
}

func (c *controllerSelector) resolve(topo *pcie.Topology) (*pcie.RootComplex, int, error) {
	rc := topo.Find(c.socket, c.rc)
	if rc == nil {
		return nil, 0, errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage,
			fmt.Sprintf("没有 S%d-RC%d", c.socket, c.rc), nil)
	}
	if c.ctrl < 0 || c.ctrl >= rc.MaxControllers || !rc.Active || !rc.Pcie[c.ctrl].Active {
		return nil, 0, errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage,
			fmt.Sprintf("%s C%d 不存在或未启用", rc, c.ctrl), nil)
	}
	return rc, c.ctrl, nil
}

func bringupCmd() *cobra.Command {
	var opts boardOptions
	var jsonFile, view string
	var diff, strict bool

	cmd := &cobra.Command{
		Use:   "bringup",
		Short: "启动所有 RC，跑完恢复后输出链路报告",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch view {
			case "table", "tree", "json", "dot", "none":
			default:
				return errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage, fmt.Sprintf("未知视图: %s", view), nil)
			}

			s, err := newSession(&opts)
			if err != nil {
				return err
			}

			// 1. 启动，单个 RC 失败不影响其他 RC
			initErr := s.init()

			// 2. 枚举结束，复查 + 外层恢复；恢复前留一份拓扑快照
			before := deepcopy.Copy(s.topo).(*pcie.Topology)
			passes := s.core.EndEnumeration()

			rep := BuildReport(s.board.Name, s.topo)
			rep.RecoveryPasses = passes
			if initErr != nil {
				rep.Errors = strings.Split(initErr.Error(), "\n")
			}

			// 3. 输出
			if jsonFile != "" {
				if err := os.WriteFile(jsonFile, rep.JSON(), 0o644); err != nil {
					return errorutil.NewExitErrorWithMessage(errorutil.CodeIOError, "写入 JSON 失败", err)
				}
			}
			out := cmd.OutOrStdout()
			if err := render(out, view, &rep, s); err != nil {
				return err
			}
			if diff {
				n, err := RenderDiff(out, TopologyTree(s.board.Name, before), TopologyTree(s.board.Name, s.topo))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%d 行变化\n", n)
			}

			if initErr != nil {
				return initErr
			}
			if down := rep.Down(); strict && len(down) > 0 {
				return errorutil.NewExitErrorWithMessage(errorutil.CodeLinkDown,
					"链路没有起来: "+strings.Join(down, ", "), nil)
			}
			return nil
		},
	}

	opts.register(cmd.Flags())
	cmd.Flags().StringVar(&jsonFile, "json-file", "", "保存 JSON 报告到文件")
	cmd.Flags().StringVar(&view, "view", "table", "视图模式: table|tree|json|dot|none")
	cmd.Flags().BoolVar(&diff, "diff", false, "对比恢复前后的拓扑")
	cmd.Flags().BoolVar(&strict, "strict", false, "有链路没起来时返回错误码")
	return cmd
}

func render(w io.Writer, view string, rep *Report, s *session) error {
	switch view {
	case "table":
		return RenderTable(w, rep)
	case "tree":
		return RenderTree(w, s.board.Name, s.topo)
	case "json":
		return RenderJSON(w, rep)
	case "dot":
		dot, err := TopologyDOT(s.topo)
		if err != nil {
			return errorutil.NewExitErrorWithMessage(errorutil.CodeInternalErr, "生成 DOT 失败", err)
		}
		_, err = io.WriteString(w, dot)
		return err
	}
	return nil
}

// 端点上能查的能力
var endpointCaps = []pcie.CapID{
	pcie.CapPM, pcie.CapPCIe, pcie.CapAER, pcie.CapRasDes, pcie.CapSecondaryPCIe, pcie.CapPL16G,
}

func capsCmd() *cobra.Command {
	var opts boardOptions
	var sel controllerSelector
	var endpoint bool

	cmd := &cobra.Command{
		Use:   "caps",
		Short: "列出 root port 或下游端点的能力链",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(&opts)
			if err != nil {
				return err
			}
			if err := s.init(); err != nil {
				return err
			}
			rc, idx, err := sel.resolve(s.topo)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if endpoint {
				if !rc.Pcie[idx].LinkUp {
					return errorutil.NewExitErrorWithMessage(errorutil.CodeLinkDown,
						fmt.Sprintf("%s C%d 链路没有起来", rc, idx), nil)
				}
				for _, id := range endpointCaps {
					if addr, ok := s.core.FindEndpointCapability(rc, idx, id); ok {
						fmt.Fprintf(out, "0x%012X  %v\n", addr, id)
					}
				}
				return nil
			}

			base, err := s.core.SpaceBase(rc, idx, pcie.SpaceCfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s C%d root port @ 0x%X\n", rc, idx, base)
			for c := range pcie.Capabilities(s.core.Platform().Bus, base) {
				fmt.Fprintf(out, "  0x%03X  %v\n", c.Offset, c.CapID)
			}
			return nil
		},
	}
	opts.register(cmd.Flags())
	sel.register(cmd.Flags())
	cmd.Flags().BoolVar(&endpoint, "endpoint", false, "查下游端点而不是 root port")
	return cmd
}

func regCmd() *cobra.Command {
	var opts boardOptions
	var sel controllerSelector
	var list bool

	cmd := &cobra.Command{
		Use:   "reg [name]",
		Short: "按名字(或唯一前缀)读取并解码寄存器",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			regs := pcie.NewRegisters()
			out := cmd.OutOrStdout()
			if list || len(args) == 0 {
				_, err := io.WriteString(out, regs.Tree())
				return err
			}
			d, err := regs.Lookup(args[0])
			if err != nil {
				return errorutil.NewExitErrorWithMessage(errorutil.CodeInvalidUsage, "查找寄存器失败", err)
			}

			s, err := newSession(&opts)
			if err != nil {
				return err
			}
			if err := s.init(); err != nil {
				return err
			}
			rc, idx, err := sel.resolve(s.topo)
			if err != nil {
				return err
			}
			v, fields, err := s.core.ReadRegister(rc, idx, d)
			if err != nil {
				return errorutil.NewExitErrorWithMessage(errorutil.CodeHardware, "读取寄存器失败", err)
			}

			fmt.Fprintf(out, "%s C%d ", rc, idx)
			io.WriteString(out, d.Format(v))
			for _, f := range fields {
				if f.Value == 0 {
					continue
				}
				// 每个非零字段单独放回原位置，方便对照原始值
				fmt.Fprintf(out, "  %-*s 0x%08X\n", 12, f.BitField.Name+":",
					bit.RestoreFieldToOffset(uint32(f.Value), f.BitField.Start))
			}
			if d.Doc != "" {
				fmt.Fprintf(out, "# %s\n", d.Doc)
			}
			return nil
		},
	}
	opts.register(cmd.Flags())
	sel.register(cmd.Flags())
	cmd.Flags().BoolVar(&list, "list", false, "列出所有寄存器")
	return cmd
}

func topologyCmd() *cobra.Command {
	var opts boardOptions
	var dot bool

	cmd := &cobra.Command{
		Use:   "topology",
		Short: "启动后打印拓扑(树或 graphviz)",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(&opts)
			if err != nil {
				return err
			}
			initErr := s.init()
			out := cmd.OutOrStdout()
			if dot {
				g, err := TopologyDOT(s.topo)
				if err != nil {
					return errorutil.NewExitErrorWithMessage(errorutil.CodeInternalErr, "生成 DOT 失败", err)
				}
				io.WriteString(out, g)
			} else {
				io.WriteString(out, TopologyTree(s.board.Name, s.topo))
			}
			return initErr
		},
	}
	opts.register(cmd.Flags())
	cmd.Flags().BoolVar(&dot, "dot", false, "输出 graphviz DOT")
	return cmd
}
