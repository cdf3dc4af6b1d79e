package pcie

import "time"

// Bus 直接映射的 32 位 MMIO 访问(控制器 CSR、ECAM 配置空间)
type Bus interface {
	Read32(addr uint64) uint32
	Write32(addr uint64, val uint32)
}

// Mailbox 只用于不在直接映射空间里的 host bridge 寄存器
type Mailbox interface {
	ReadHostBridge(addr uint64) (uint32, error)
	WriteHostBridge(addr uint64, val uint32) error
}

// Phy 给定 SerDes 基址完成电气初始化，内部细节对本模块不可见
type Phy interface {
	InitPhy(serdesBase uint64) error
}

// Board 板级 PERST# 控制，high=true 表示释放复位(PERST# 低有效)
type Board interface {
	DrivePerst(rc *RootComplex, idx int, high bool)
}

// Clock 忙等延时 + 体系结构计数器
// Counter/Frequency 只给外层恢复循环用，那时候定时器服务还不可用
type Clock interface {
	Delay(d time.Duration)
	Counter() uint64
	Frequency() uint64
}

// Platform 汇总所有外部协作者
type Platform struct {
	Bus     Bus
	Mailbox Mailbox
	Phy     Phy
	Board   Board
	Clock   Clock
}

// pollUntil 以 step 为粒度忙等，直到 cond 为真或超时
// 返回 cond 最终是否满足
func (p *Platform) pollUntil(timeout, step time.Duration, cond func() bool) bool {
	for waited := time.Duration(0); ; waited += step {
		if cond() {
			return true
		}
		if waited >= timeout {
			return false
		}
		p.Clock.Delay(step)
	}
}
