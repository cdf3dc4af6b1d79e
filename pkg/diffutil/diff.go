package diffutil

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// 行标记
const (
	MarkSame    = "|"
	MarkDelete  = "-"
	MarkInsert  = "+"
	MarkChanged = "~"
)

type DiffLine struct {
	Left  string
	Right string
	Mark  string
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// CompareLines 按行比较，删除紧跟插入的块按行配对成修改
func CompareLines(before, after string) []DiffLine {
	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var result []DiffLine
	for i := 0; i < len(diffs); i++ {
		d := diffs[i]
		if d.Type == diffmatchpatch.DiffDelete && i+1 < len(diffs) && diffs[i+1].Type == diffmatchpatch.DiffInsert {
			dels, ins := splitLines(d.Text), splitLines(diffs[i+1].Text)
			for j := range max(len(dels), len(ins)) {
				l := DiffLine{Mark: MarkChanged}
				switch {
				case j >= len(dels):
					l.Mark = MarkInsert
				case j >= len(ins):
					l.Mark = MarkDelete
				}
				if j < len(dels) {
					l.Left = dels[j]
				}
				if j < len(ins) {
					l.Right = ins[j]
				}
				result = append(result, l)
			}
			i++
			continue
		}

		for _, line := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				result = append(result, DiffLine{Left: line, Right: line, Mark: MarkSame})
			case diffmatchpatch.DiffDelete:
				result = append(result, DiffLine{Left: line, Mark: MarkDelete})
			case diffmatchpatch.DiffInsert:
				result = append(result, DiffLine{Right: line, Mark: MarkInsert})
			}
		}
	}
	return result
}

// Changed 有差异的行数
func Changed(diff []DiffLine) int {
	n := 0
	for _, d := range diff {
		if d.Mark != MarkSame {
			n++
		}
	}
	return n
}
