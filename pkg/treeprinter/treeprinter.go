package treeprinter

import (
	"strings"
)

const (
	StyleASCII   = 0
	StyleUnicode = 1
)

type glyphs struct {
	branch, last, pipe, space string
}

var styles = [...]glyphs{
	StyleASCII:   {branch: "+-", last: "\\-", pipe: "|  ", space: "   "},
	StyleUnicode: {branch: "├── ", last: "└── ", pipe: "│   ", space: "    "},
}

// Node 多叉树节点
type Node struct {
	Label    string
	Children []*Node
}

// Add 追加一个子节点并返回它
func (n *Node) Add(label string) *Node {
	c := &Node{Label: label}
	n.Children = append(n.Children, c)
	return c
}

// Print 根节点单独一行，子节点逐层缩进
//
//	board
//	+-S0-RC0(A)
//	|  +-C0
//	|  \-C2
//	\-S0-RC1(B)
func Print(root *Node, style int) string {
	if root == nil {
		return "tree is empty\n"
	}
	g := styles[StyleASCII]
	if style == StyleUnicode {
		g = styles[StyleUnicode]
	}

	var b strings.Builder
	b.WriteString(root.Label + "\n")

	var dfs func(n *Node, prefix string, isLast bool)
	dfs = func(n *Node, prefix string, isLast bool) {
		conn, next := g.branch, g.pipe
		if isLast {
			conn, next = g.last, g.space
		}
		b.WriteString(prefix + conn + n.Label + "\n")
		for i, c := range n.Children {
			dfs(c, prefix+next, i == len(n.Children)-1)
		}
	}
	for i, c := range root.Children {
		dfs(c, "", i == len(root.Children)-1)
	}
	return b.String()
}
