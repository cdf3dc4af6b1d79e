package treeprinter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pcie_tool/pkg/treeprinter"
)

func sample() *treeprinter.Node {
	root := &treeprinter.Node{Label: "board"}
	a := root.Add("RC0")
	a.Add("C0")
	a.Add("C2").Add("nvme")
	root.Add("RC1").Add("C4")
	return root
}

func TestPrintASCII(t *testing.T) {
	want := `board
+-RC0
|  +-C0
|  \-C2
|     \-nvme
\-RC1
   \-C4
`
	assert.Equal(t, want, treeprinter.Print(sample(), treeprinter.StyleASCII))
}

func TestPrintUnicode(t *testing.T) {
	want := `board
├── RC0
│   ├── C0
│   └── C2
│       └── nvme
└── RC1
    └── C4
`
	assert.Equal(t, want, treeprinter.Print(sample(), treeprinter.StyleUnicode))
}

func TestPrintEmpty(t *testing.T) {
	assert.Equal(t, "tree is empty\n", treeprinter.Print(nil, treeprinter.StyleASCII))
	assert.Equal(t, "only\n", treeprinter.Print(&treeprinter.Node{Label: "only"}, treeprinter.StyleASCII))
}
