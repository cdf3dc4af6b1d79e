package pcie

import (
	"time"

	"github.com/dustin/go-humanize"

	"pcie_tool/pkg/logutil"
)

const (
	// MaxRecoveryPasses 外层恢复在整个平台上最多跑这么多轮
	MaxRecoveryPasses = 3
	// DefaultRecoveryCadence 每轮之前等待的时间，用周期计数器计时
	DefaultRecoveryCadence = 100 * time.Millisecond
	cadenceStep            = time.Millisecond
)

type recoveryState uint8

const (
	recoveryScan recoveryState = iota
	recoveryWait
	recoveryRedrive
	recoveryDone
)

type downLink struct {
	rc  *RootComplex
	idx int
}

// Recovery 枚举完成后的外层恢复，只改 LinkUp，不动 Active/MaxWidth
type Recovery struct {
	core    *Core
	Cadence time.Duration
}

// Run 返回实际执行的重训轮数
func (r *Recovery) Run() int {
	passes := 0
	var down []downLink

	for st := recoveryScan; st != recoveryDone; {
		switch st {
		case recoveryScan:
			down = r.scan()
			switch {
			case len(down) == 0:
				st = recoveryDone
			case passes >= MaxRecoveryPasses:
				for _, d := range down {
					logutil.Warn("%s C%d 恢复 %d 轮后链路仍然 down", d.rc, d.idx, passes)
				}
				st = recoveryDone
			default:
				st = recoveryWait
			}

		case recoveryWait:
			r.waitCadence()
			st = recoveryRedrive

		case recoveryRedrive:
			passes++
			for _, d := range down {
				if !r.core.cardPresent(d.rc, d.idx) {
					logutil.Debug("%s C%d 没有检测到卡，跳过", d.rc, d.idx)
					continue
				}
				logutil.Info("%s C%d 第 %d 轮重新训练", d.rc, d.idx, passes)
				r.core.trainController(d.rc, d.idx, 1)
			}
			st = recoveryScan
		}
	}
	return passes
}

// scan Active 但没有 LinkUp 且没有硬件故障的控制器
func (r *Recovery) scan() []downLink {
	var out []downLink
	r.core.topo.ForEachController(func(rc *RootComplex, idx int) {
		c := &rc.Pcie[idx]
		if !c.LinkUp && c.Fault == nil {
			out = append(out, downLink{rc: rc, idx: idx})
		}
	})
	return out
}

// waitCadence 这个阶段没有定时器服务，直接看体系结构周期计数器
func (r *Recovery) waitCadence() {
	clk := r.core.p.Clock
	cycles := uint64(r.Cadence.Seconds() * float64(clk.Frequency()))
	start := clk.Counter()
	for clk.Counter()-start < cycles {
		clk.Delay(cadenceStep)
	}
	logutil.Debug("恢复等待 %s cycles @ %sHz", humanize.Comma(int64(cycles)), humanize.SIWithDigits(float64(clk.Frequency()), 0, ""))
}
