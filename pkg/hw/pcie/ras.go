package pcie

import (
	"fmt"
	"time"

	"pcie_tool/pkg/logutil"
)

const rasLatchDelay = time.Microsecond

// RasEvent RAS D.E.S. 事件计数选择子
type RasEvent struct {
	Name    string
	Group   uint8
	Event   uint8
	PerLane bool
}

// RasEvents 链路训练后检查的事件
// group 0 只有按 lane 统计的物理层事件，completion/AER 类错误只在公共组里
var RasEvents = []RasEvent{
	{Name: "EbufOverflow", Group: 0, Event: 0x00, PerLane: true},
	{Name: "EbufUnderrun", Group: 0, Event: 0x01, PerLane: true},
	{Name: "DecodeError", Group: 0, Event: 0x02, PerLane: true},
	{Name: "RunningDisparity", Group: 0, Event: 0x03, PerLane: true},
	{Name: "SyncHeaderError", Group: 0, Event: 0x05, PerLane: true},

	{Name: "ReceiverError", Group: 1, Event: 0x06},
	{Name: "FramingError", Group: 1, Event: 0x09},
	{Name: "DeskewError", Group: 1, Event: 0x0A},

	{Name: "BadTLP", Group: 2, Event: 0x00},
	{Name: "LCRCError", Group: 2, Event: 0x01},
	{Name: "BadDLLP", Group: 2, Event: 0x02},
	{Name: "ReplayRollover", Group: 2, Event: 0x03},
	{Name: "ReplayTimeout", Group: 2, Event: 0x04},
	{Name: "RxNak", Group: 2, Event: 0x05},

	{Name: "FCTimeout", Group: 3, Event: 0x00},
	{Name: "PoisonedTLP", Group: 3, Event: 0x01},
	{Name: "ECRCError", Group: 3, Event: 0x02},
	{Name: "UnsupportedRequest", Group: 3, Event: 0x03},
	{Name: "CompleterAbort", Group: 3, Event: 0x04},
	{Name: "CompletionTimeout", Group: 3, Event: 0x05},
}

func (v *Verifier) rasCap(rc *RootComplex, idx int) (uint64, error) {
	addr, ok := FindCapability(v.p.Bus, rc.rootPortBase(idx), CapRasDes)
	if !ok {
		return 0, fmt.Errorf("%s C%d %v: %w", rc, idx, CapRasDes, ErrCapabilityNotFound)
	}
	return addr, nil
}

// EnableErrorCounters 清零并打开所有事件计数
func (v *Verifier) EnableErrorCounters(rc *RootComplex, idx int) error {
	ras, err := v.rasCap(rc, idx)
	if err != nil {
		return err
	}
	ctrl := v.p.cfg(ras, RasDesEventCtrl)
	modifyAs(ctrl, func(r RasCtrlReg) RasCtrlReg { return r.WithClear(rasClearAll) })
	modifyAs(ctrl, func(r RasCtrlReg) RasCtrlReg { return r.WithClear(0).WithEnable(rasEnableAll) })
	return nil
}

// CheckErrorCounters 逐个读取公共组计数，任何非零都算失败；结束后无论结果都清零
func (v *Verifier) CheckErrorCounters(rc *RootComplex, idx int) Result {
	ras, err := v.rasCap(rc, idx)
	if err != nil {
		logutil.Debug("%v", err)
		return ResultSuccess
	}
	ctrl := v.p.cfg(ras, RasDesEventCtrl)
	data := v.p.cfg(ras, RasDesEventData)
	defer modifyAs(ctrl, func(r RasCtrlReg) RasCtrlReg { return r.WithClear(rasClearAll) })

	res := ResultSuccess
	for _, ev := range RasEvents {
		if ev.PerLane {
			continue
		}
		modifyAs(ctrl, func(r RasCtrlReg) RasCtrlReg {
			return r.WithClear(0).WithSelect(0, ev.Group, ev.Event)
		})
		v.p.Clock.Delay(rasLatchDelay)
		if n := data.get(); n != 0 {
			logutil.Warn("%s C%d RAS %s = %d", rc, idx, ev.Name, n)
			res = ResultFailed
		}
	}
	return res
}
