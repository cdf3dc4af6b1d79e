package pcie

import "errors"

var (
	// ErrHardwareTimeout 内存/PHY/时钟就绪等待超时，只影响单个控制器
	ErrHardwareTimeout = errors.New("hardware readiness timeout")
	// ErrCapabilityNotFound 可选能力不存在时是正常情况，调用方自行决定是否当错误
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrBifurcationPending 自动分叉没有任何控制器有响应，按最宽模式继续
	ErrBifurcationPending = errors.New("bifurcation not resolved yet")
	ErrMailbox            = errors.New("host bridge mailbox error")
	ErrInvalidConfig      = errors.New("invalid root complex configuration")
)
