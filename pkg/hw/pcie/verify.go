package pcie

import (
	"fmt"

	"pcie_tool/pkg/logutil"
)

// LinkState 控制器 CSR 看到的链路状态
type LinkState uint8

const (
	LinkAbsent LinkState = iota
	LinkTraining
	LinkL0
)

func (s LinkState) String() string {
	switch s {
	case LinkAbsent:
		return "absent"
	case LinkTraining:
		return "training"
	case LinkL0:
		return "L0"
	}
	return fmt.Sprintf("LinkState(%d)", uint8(s))
}

// Result 链路校验结果
type Result uint8

const (
	ResultSuccess Result = iota
	ResultFailed
	// ResultWrongParameter 本端或对端能力读不到，不算训练失败
	ResultWrongParameter
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultWrongParameter:
		return "wrong-parameter"
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

func (p *Platform) linkState(c *Controller) LinkState {
	st := getAs[CsrLinkStatReg](p.csr(c, CsrLinkStat))
	if p.csr(c, CsrBlockEvent).isSet(csrBlockEventLinkUp) && st.Ltssm() == LtssmStateL0 {
		return LinkL0
	}
	if st.Ltssm() != 0 || st.PhyStatus() || st.SmlhLinkUp() || st.RdlhLinkUp() {
		return LinkTraining
	}
	return LinkAbsent
}

type Verifier struct {
	p *Platform
}

func NewVerifier(p *Platform) *Verifier {
	return &Verifier{p: p}
}

// CheckLinkUp 有任何物理层迹象算存在，block event link up 且 LTSSM 为 L0 才算训练完成
func (v *Verifier) CheckLinkUp(rc *RootComplex, idx int) LinkState {
	return v.p.linkState(&rc.Pcie[idx])
}

// CompareLink 期望值取两端能力的较小值，协商结果和链路状态位必须完全符合
func CompareLink(local, remote LinkCap, status LinkStatusReg) Result {
	if local.Zero() || remote.Zero() {
		return ResultWrongParameter
	}
	expect := local.Min(remote)
	if status.Training() || !status.DllActive() {
		return ResultFailed
	}
	if status.Negotiated() != expect {
		return ResultFailed
	}
	return ResultSuccess
}

// LocalLinkCap 读 root port 自身的链路能力
func (v *Verifier) LocalLinkCap(rc *RootComplex, idx int) (LinkCap, uint64, bool) {
	pcieCap, ok := FindCapability(v.p.Bus, rc.rootPortBase(idx), CapPCIe)
	if !ok {
		return LinkCap{}, 0, false
	}
	return getAs[LinkCapReg](v.p.cfg(pcieCap, PCIeLinkCap)).Snapshot(), pcieCap, true
}

// RemoteLinkCap 读下游设备的链路能力，设备不可访问时为零值
func (v *Verifier) RemoteLinkCap(rc *RootComplex, idx int) LinkCap {
	return LinkCapReg(v.p.endpointLinkCap(rc, idx)).Snapshot()
}

// LinkStatus root port link control/status
func (v *Verifier) LinkStatus(rc *RootComplex, idx int) LinkStatusReg {
	pcieCap, ok := FindCapability(v.p.Bus, rc.rootPortBase(idx), CapPCIe)
	if !ok {
		return 0
	}
	return getAs[LinkStatusReg](v.p.cfg(pcieCap, PCIeLinkCtrlSts))
}

// VerifyLink 比较两端能力和实际协商结果
func (v *Verifier) VerifyLink(rc *RootComplex, idx int) Result {
	local, pcieCap, ok := v.LocalLinkCap(rc, idx)
	if !ok {
		logutil.Warn("%s C%d root port 没有 PCIe 能力", rc, idx)
		return ResultWrongParameter
	}
	remote := v.RemoteLinkCap(rc, idx)
	status := getAs[LinkStatusReg](v.p.cfg(pcieCap, PCIeLinkCtrlSts))

	res := CompareLink(local, remote, status)
	logutil.Debug("%s C%d local=%v remote=%v negotiated=%v training=%t dll=%t -> %v",
		rc, idx, local, remote, status.Negotiated(), status.Training(), status.DllActive(), res)
	if res == ResultFailed {
		logutil.Warn("%s C%d 链路协商低于预期: 期望 %v 实际 %v", rc, idx, local.Min(remote), status.Negotiated())
	}
	return res
}
