package sim

import (
	"time"

	rbt "github.com/emirpasic/gods/trees/redblacktree"
)

type eventKey struct {
	at  time.Duration
	seq uint64 // 同一时刻按登记顺序
}

func eventComparator(a, b interface{}) int {
	x, y := a.(eventKey), b.(eventKey)
	switch {
	case x.at < y.at:
		return -1
	case x.at > y.at:
		return 1
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	}
	return 0
}

// scheduler 模拟时间和按时间排序的硬件事件
type scheduler struct {
	tree *rbt.Tree
	now  time.Duration
	seq  uint64
}

func newScheduler() *scheduler {
	return &scheduler{tree: rbt.NewWith(eventComparator)}
}

// after d 之后执行 fn；d 为 Never 时不登记
func (s *scheduler) after(d time.Duration, fn func()) {
	if d < 0 {
		return
	}
	s.seq++
	s.tree.Put(eventKey{at: s.now + d, seq: s.seq}, fn)
}

// advance 推进时间，途中到期的事件按顺序执行
func (s *scheduler) advance(d time.Duration) {
	target := s.now + d
	for {
		n := s.tree.Left()
		if n == nil {
			break
		}
		k := n.Key.(eventKey)
		if k.at > target {
			break
		}
		s.tree.Remove(k)
		s.now = k.at
		n.Value.(func())()
	}
	s.now = target
}

func (s *scheduler) pending() int { return s.tree.Size() }
