package diffutil_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"pcie_tool/pkg/diffutil"
)

func TestCompareLines(t *testing.T) {
	before := "S0-RC0(A)\n+-C0 [down]\n\\-C2 [up]\n"
	after := "S0-RC0(A)\n+-C0 [up]\n\\-C2 [up]\n"

	diff := diffutil.CompareLines(before, after)
	assert.Equal(t, []diffutil.DiffLine{
		{Left: "S0-RC0(A)", Right: "S0-RC0(A)", Mark: diffutil.MarkSame},
		{Left: "+-C0 [down]", Right: "+-C0 [up]", Mark: diffutil.MarkChanged},
		{Left: "\\-C2 [up]", Right: "\\-C2 [up]", Mark: diffutil.MarkSame},
	}, diff)
	assert.Equal(t, 1, diffutil.Changed(diff))
}

func TestCompareLinesInsertDelete(t *testing.T) {
	diff := diffutil.CompareLines("a\nb\n", "a\nb\nc\nd\n")
	assert.Equal(t, 2, diffutil.Changed(diff))
	assert.Equal(t, diffutil.MarkInsert, diff[len(diff)-1].Mark)
	assert.Equal(t, "d", diff[len(diff)-1].Right)

	// 删除多于插入时多出来的行是纯删除
	diff = diffutil.CompareLines("x\n1\n2\n", "x\n3\n")
	assert.Equal(t, []diffutil.DiffLine{
		{Left: "x", Right: "x", Mark: diffutil.MarkSame},
		{Left: "1", Right: "3", Mark: diffutil.MarkChanged},
		{Left: "2", Mark: diffutil.MarkDelete},
	}, diff)

	assert.Zero(t, diffutil.Changed(diffutil.CompareLines("same\n", "same\n")))
}

func TestFormatSideBySideAlignsWideRunes(t *testing.T) {
	diff := diffutil.CompareLines("│  链路 down\nok\n", "│  链路 up\nok\n")
	out := diffutil.FormatSideBySide(diff, "恢复前", "恢复后")
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	assert.Len(t, lines, 4)

	// "│  链路 down" 显示宽度 12，标记列对齐
	assert.Equal(t, "│  链路 down  ~  │  链路 up", lines[2])
	assert.Equal(t, "ok            |  ok", lines[3])
}
