package bit

import (
	"golang.org/x/exp/constraints"
)

type Uint interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Mask 返回 width 位全 1 的掩码
// width 等于类型位宽时移位结果为 0，减 1 正好得到全 1
func Mask[T Uint](width byte) T {
	return (T(1) << width) - 1
}

// 提取 val 中 [start:start+width) 范围的字段
// v32 := uint32(0x00A21042)
// ExtractBits(v32, 4, 6)  // 链路宽度 bits 9:4 => 0x4
func ExtractBits[T Uint](val T, start, width byte) T {
	return (val >> start) & Mask[T](width)
}

// InsertBits 把 field 写入 val 的 [start:start+width) 位置，其它位不变
// 超出 width 的 field 高位被截掉
func InsertBits[T Uint](val T, start, width byte, field T) T {
	m := Mask[T](width) << start
	return (val &^ m) | ((field << start) & m)
}

// TestBit 判断第 n 位是否为 1
func TestBit[T Uint](val T, n byte) bool {
	return val&(T(1)<<n) != 0
}

// SetBit 根据 on 置位或清零第 n 位
func SetBit[T Uint](val T, n byte, on bool) T {
	if on {
		return val | (T(1) << n)
	}
	return val &^ (T(1) << n)
}

// 把字段放回 start 起始位位置（等价于还原为原始结构一部分）
// code := uint32(0x060400)
// base := ExtractBits(code, 16, 8)      // 0x06
// restored := RestoreFieldToOffset(base, 16) // 0x060000
func RestoreFieldToOffset[T constraints.Unsigned](val T, offset byte) T {
	return val << offset
}
