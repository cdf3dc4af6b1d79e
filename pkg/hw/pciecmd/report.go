package pciecmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/awalterschulze/gographviz"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
	"github.com/tidwall/pretty"

	"pcie_tool/pkg/diffutil"
	"pcie_tool/pkg/hw/pcie"
	"pcie_tool/pkg/treeprinter"
)

// 控制器状态
const (
	StatusUp    = "up"
	StatusDown  = "down"
	StatusFault = "fault"
)

// 各代速率(GT/s)和编码效率
var genRates = map[uint8]struct {
	gts      float64
	encoding float64
}{
	1: {2.5, 8.0 / 10},
	2: {5, 8.0 / 10},
	3: {8, 128.0 / 130},
	4: {16, 128.0 / 130},
}

// GenSpeed "16 GT/s"
func GenSpeed(gen uint8) string {
	r, ok := genRates[gen]
	if !ok {
		return "-"
	}
	return humanize.Ftoa(r.gts) + " GT/s"
}

// Bandwidth 单方向有效带宽
func Bandwidth(width, gen uint8) string {
	r, ok := genRates[gen]
	if !ok || width == 0 {
		return "-"
	}
	bytesPerSec := r.gts * 1e9 * r.encoding * float64(width) / 8
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

type ControllerReport struct {
	Index     int    `json:"index"`
	Lanes     string `json:"lanes"`
	Status    string `json:"status"`
	MaxWidth  uint8  `json:"max_width"`
	MaxGen    uint8  `json:"max_gen"`
	LinkWidth uint8  `json:"link_width,omitempty"`
	LinkSpeed string `json:"link_speed,omitempty"`
	Bandwidth string `json:"bandwidth,omitempty"`
	Fault     string `json:"fault,omitempty"`
}

type RootComplexReport struct {
	Name        string             `json:"name"`
	Active      bool               `json:"active"`
	DevMapLow   string             `json:"devmap_low"`
	DevMapHigh  string             `json:"devmap_high,omitempty"`
	Controllers []ControllerReport `json:"controllers"`
}

type Report struct {
	Board          string              `json:"board"`
	Summary        string              `json:"summary"`
	RecoveryPasses int                 `json:"recovery_passes"`
	RootComplexes  []RootComplexReport `json:"root_complexes"`
	Errors         []string            `json:"errors,omitempty"`
}

func controllerStatus(c *pcie.Controller) string {
	switch {
	case c.Faulted():
		return StatusFault
	case c.LinkUp:
		return StatusUp
	}
	return StatusDown
}

func lanes(lr pcie.LaneRange) string {
	if lr.Width == 1 {
		return fmt.Sprintf("%d", lr.Start)
	}
	return fmt.Sprintf("%d-%d", lr.Start, lr.Start+int(lr.Width)-1)
}

// BuildReport 只列出 Active 的控制器；Summary 在有任何控制器没起来时为 DOWN
func BuildReport(board string, topo *pcie.Topology) Report {
	r := Report{Board: board, Summary: "OK"}
	for _, rc := range topo.RootComplexes {
		rr := RootComplexReport{Name: rc.String(), Active: rc.Active, DevMapLow: rc.DevMapLow.String()}
		if rc.Type == pcie.TypeB {
			rr.DevMapHigh = rc.DevMapHigh.String()
		}
		for i := 0; i < rc.MaxControllers && rc.Active; i++ {
			c := &rc.Pcie[i]
			if !c.Active {
				continue
			}
			cr := ControllerReport{
				Index:    i,
				Lanes:    lanes(rc.Lanes(i)),
				Status:   controllerStatus(c),
				MaxWidth: c.MaxWidth,
				MaxGen:   c.MaxGen,
			}
			if c.LinkUp {
				cr.LinkWidth = c.LinkWidth
				cr.LinkSpeed = GenSpeed(c.LinkSpeed)
				cr.Bandwidth = Bandwidth(c.LinkWidth, c.LinkSpeed)
			} else {
				r.Summary = "DOWN"
			}
			if c.Fault != nil {
				cr.Fault = c.Fault.Error()
			}
			rr.Controllers = append(rr.Controllers, cr)
		}
		r.RootComplexes = append(r.RootComplexes, rr)
	}
	return r
}

// Down 没有起来的控制器 "S0-RC0(A) C2"
func (r *Report) Down() []string {
	var out []string
	for _, rc := range r.RootComplexes {
		for _, c := range rc.Controllers {
			if c.Status != StatusUp {
				out = append(out, fmt.Sprintf("%s C%d", rc.Name, c.Index))
			}
		}
	}
	return out
}

func (r *Report) JSON() []byte {
	data, _ := json.Marshal(r)
	return pretty.Pretty(data)
}

func RenderJSON(w io.Writer, r *Report) error {
	_, err := w.Write(r.JSON())
	return err
}

var tableHeaders = []string{"RootComplex", "Ctrl", "Lanes", "Status", "Max", "Link", "Speed", "Bandwidth"}

// RenderTable 按显示宽度对齐，板名等字段可能含中文
func RenderTable(w io.Writer, r *Report) error {
	rows := [][]string{tableHeaders}
	for _, rc := range r.RootComplexes {
		if len(rc.Controllers) == 0 {
			rows = append(rows, []string{rc.Name, "-", "-", "inactive", "-", "-", "-", "-"})
			continue
		}
		for _, c := range rc.Controllers {
			link, speed, bw := "-", "-", "-"
			if c.Status == StatusUp {
				link, speed, bw = fmt.Sprintf("x%d", c.LinkWidth), c.LinkSpeed, c.Bandwidth
			}
			rows = append(rows, []string{
				rc.Name, fmt.Sprintf("C%d", c.Index), c.Lanes, c.Status,
				fmt.Sprintf("x%d Gen%d", c.MaxWidth, c.MaxGen), link, speed, bw,
			})
		}
	}

	widths := make([]int, len(tableHeaders))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], runewidth.StringWidth(cell))
		}
	}
	var b strings.Builder
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = runewidth.FillRight(cell, widths[i])
		}
		b.WriteString(strings.TrimRight(strings.Join(cells, "  "), " ") + "\n")
	}
	fmt.Fprintf(&b, "summary: %s, recovery passes: %d\n", r.Summary, r.RecoveryPasses)
	_, err := io.WriteString(w, b.String())
	return err
}

// TopologyTree 拓扑的树形视图，也用于恢复前后对比
func TopologyTree(board string, topo *pcie.Topology) string {
	root := &treeprinter.Node{Label: board}
	for _, rc := range topo.RootComplexes {
		label := fmt.Sprintf("%s devmap %s", rc, rc.DevMapLow)
		if rc.Type == pcie.TypeB {
			label += "/" + rc.DevMapHigh.String()
		}
		if !rc.Active {
			root.Add(rc.String() + " inactive")
			continue
		}
		n := root.Add(label)
		for i := 0; i < rc.MaxControllers; i++ {
			c := &rc.Pcie[i]
			if !c.Active {
				continue
			}
			s := fmt.Sprintf("C%d lanes %s [%s]", i, lanes(rc.Lanes(i)), controllerStatus(c))
			if c.LinkUp {
				s += fmt.Sprintf(" x%d %s", c.LinkWidth, GenSpeed(c.LinkSpeed))
			}
			n.Add(s)
		}
	}
	return treeprinter.Print(root, treeprinter.StyleASCII)
}

func RenderTree(w io.Writer, board string, topo *pcie.Topology) error {
	_, err := io.WriteString(w, TopologyTree(board, topo))
	return err
}

// RenderDiff 恢复前后拓扑对照
func RenderDiff(w io.Writer, before, after string) (int, error) {
	diff := diffutil.CompareLines(before, after)
	_, err := io.WriteString(w, diffutil.FormatSideBySide(diff, "* before recovery", "* after recovery"))
	return diffutil.Changed(diff), err
}

var statusColors = map[string]string{
	StatusUp:    "green",
	StatusDown:  "red",
	StatusFault: "orange",
}

func quote(s string) string { return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"` }

// TopologyDOT graphviz 有向图: host -> RC -> 控制器
func TopologyDOT(topo *pcie.Topology) (string, error) {
	const graph = "pcie"
	g := gographviz.NewGraph()
	if err := g.SetName(graph); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(graph, "rankdir", "LR"); err != nil {
		return "", err
	}
	if err := g.AddNode(graph, "host", map[string]string{"shape": "box"}); err != nil {
		return "", err
	}
	for _, rc := range topo.RootComplexes {
		rcNode := fmt.Sprintf("s%d_rc%d", rc.Socket, rc.ID)
		attrs := map[string]string{"shape": "box", "label": quote(rc.String())}
		if !rc.Active {
			attrs["style"] = "dashed"
		}
		if err := g.AddNode(graph, rcNode, attrs); err != nil {
			return "", err
		}
		if err := g.AddEdge("host", rcNode, true, nil); err != nil {
			return "", err
		}
		for i := 0; i < rc.MaxControllers && rc.Active; i++ {
			c := &rc.Pcie[i]
			if !c.Active {
				continue
			}
			st := controllerStatus(c)
			label := fmt.Sprintf("C%d x%d", i, c.MaxWidth)
			if c.LinkUp {
				label = fmt.Sprintf("C%d x%d %s", i, c.LinkWidth, GenSpeed(c.LinkSpeed))
			}
			node := fmt.Sprintf("%s_c%d", rcNode, i)
			if err := g.AddNode(graph, node, map[string]string{"label": quote(label), "color": statusColors[st]}); err != nil {
				return "", err
			}
			if err := g.AddEdge(rcNode, node, true, map[string]string{"label": quote(lanes(rc.Lanes(i)))}); err != nil {
				return "", err
			}
		}
	}
	return g.String(), nil
}
