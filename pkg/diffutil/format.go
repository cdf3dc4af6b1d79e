package diffutil

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
)

// 模糊宽度字符(框线等)按 1 列算
var narrow = &runewidth.Condition{EastAsianWidth: false}

// FormatSideBySide 左右两栏对照，左栏按显示宽度补齐，中文和框线字符也能对齐
func FormatSideBySide(diff []DiffLine, leftTitle, rightTitle string) string {
	width := narrow.StringWidth(leftTitle)
	for _, d := range diff {
		width = max(width, narrow.StringWidth(d.Left))
	}

	var out []string
	header := narrow.FillRight(leftTitle, width) + "     " + rightTitle
	out = append(out, header, strings.Repeat("-", narrow.StringWidth(header)))
	for _, d := range diff {
		line := fmt.Sprintf("%s  %s  %s", narrow.FillRight(d.Left, width), d.Mark, d.Right)
		out = append(out, strings.TrimRight(line, " "))
	}
	return strings.Join(out, "\n") + "\n"
}
