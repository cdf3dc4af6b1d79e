package sim

import (
	"github.com/google/btree"
)

type cell struct {
	addr uint64
	val  uint32
}

func cellLess(a, b cell) bool { return a.addr < b.addr }

// Memory 稀疏 32 位寄存器存储，按地址有序
type Memory struct {
	t *btree.BTreeG[cell]
}

func NewMemory() *Memory {
	return &Memory{t: btree.NewG(16, cellLess)}
}

// Load 没写过的地址返回 ok=false
func (m *Memory) Load(addr uint64) (uint32, bool) {
	c, ok := m.t.Get(cell{addr: addr})
	return c.val, ok
}

// Read 没写过的地址返回 def
func (m *Memory) Read(addr uint64, def uint32) uint32 {
	if v, ok := m.Load(addr); ok {
		return v
	}
	return def
}

func (m *Memory) Write(addr uint64, val uint32) {
	m.t.ReplaceOrInsert(cell{addr: addr, val: val})
}

func (m *Memory) Len() int { return m.t.Len() }

// Range 按地址升序遍历 [lo, hi)，f 返回 false 停止
func (m *Memory) Range(lo, hi uint64, f func(addr uint64, val uint32) bool) {
	m.t.AscendRange(cell{addr: lo}, cell{addr: hi}, func(c cell) bool {
		return f(c.addr, c.val)
	})
}
