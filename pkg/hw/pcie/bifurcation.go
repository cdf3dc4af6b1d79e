package pcie

import (
	"fmt"
	"time"

	"pcie_tool/pkg/logutil"
)

// 插卡上电后等待配置空间稳定的时间
const cardSettle = 100 * time.Millisecond

// DecideDevMap 根据半区内 4 个控制器读到的下游链路能力决定分叉模式
// 判定顺序固定；没有任何控制器有响应时返回 (DevMapMode1, false)
func DecideDevMap(t RootComplexType, caps [ControllersPerHalf]uint32) (DevMap, bool) {
	var live [ControllersPerHalf]bool
	n := 0
	for i, c := range caps {
		if c != 0 {
			live[i] = true
			n++
		}
	}

	if live[1] {
		return DevMapMode4, true
	}
	switch n {
	case 3:
		return DevMapMode3, true
	case 2:
		if live[0] && live[2] {
			return DevMapMode2, true
		}
		return DevMapMode3, true
	case 1:
		switch {
		case live[0]:
			return DevMapMode1, true
		case live[2]:
			return DevMapMode2, true
		}
		// 只有 C3 响应: 宽度够半区一半说明是 lane 反接的宽卡
		if LinkCapReg(caps[3]).MaxWidth() >= t.HalfWidth() {
			return DevMapMode2, true
		}
		return DevMapMode3, true
	}
	return DevMapMode1, false
}

type resolveState uint8

const (
	resolveProbe resolveState = iota
	resolveSettle
	resolveDecide
	resolveApply
	resolveDone
)

// Resolver 自动分叉，每个 RC 只做一次
type Resolver struct {
	core *Core
}

// Resolve 以最细分叉探测，按下游能力决定每个 auto 半区的模式并写回拓扑
// 调用方随后要按新拓扑完整重新启动
func (r *Resolver) Resolve(rc *RootComplex) (low, high DevMap, err error) {
	low, high = rc.DevMapLow, rc.DevMapHigh
	if !rc.NeedsBifurcation() {
		return low, high, nil
	}
	c := r.core
	halves := []bool{rc.autoLow, rc.Type == TypeB && rc.autoHigh}
	var caps [2][ControllersPerHalf]uint32

	for st := resolveProbe; st != resolveDone; {
		switch st {
		case resolveProbe:
			logutil.Info("%s 自动分叉探测 (%s/%s)", rc, low, high)
			if err = c.programHostBridge(rc); err != nil {
				return low, high, err
			}
			if err = c.p.Phy.InitPhy(rc.SerdesBase); err != nil {
				return low, high, fmt.Errorf("%s phy init: %w", rc, err)
			}
			for i := 0; i < rc.MaxControllers; i++ {
				if !rc.Pcie[i].Active {
					continue
				}
				if c.seq.Run(rc, i) == nil {
					c.seq.WaitLinkUp(rc, i, linkPollTimeout, linkPollStep)
				}
			}
			st = resolveSettle

		case resolveSettle:
			c.p.Clock.Delay(cardSettle)
			st = resolveDecide

		case resolveDecide:
			for h, auto := range halves {
				if !auto {
					continue
				}
				for i := range ControllersPerHalf {
					idx := h*ControllersPerHalf + i
					if c.p.linkState(&rc.Pcie[idx]) == LinkL0 {
						caps[h][i] = c.p.endpointLinkCap(rc, idx)
					}
				}
			}
			st = resolveApply

		case resolveApply:
			pending := false
			for h, auto := range halves {
				if !auto {
					continue
				}
				m, ok := DecideDevMap(rc.Type, caps[h])
				if !ok {
					pending = true
				}
				logutil.Info("%s 半区 %d caps=%08X -> %s", rc, h, caps[h], m)
				if h == 0 {
					low = m
				} else {
					high = m
				}
			}
			rc.SetDevMap(low, high)
			rc.bifurcated = true
			if pending {
				err = fmt.Errorf("%s: %w", rc, ErrBifurcationPending)
			}
			st = resolveDone
		}
	}
	return low, high, err
}
