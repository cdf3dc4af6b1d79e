package bit

import (
	"fmt"
	"strings"
)

type BitField struct {
	Name       string
	Start, Len byte
}

type FieldValue struct {
	BitField *BitField
	Value    uint64
}

func (f *BitField) Eval(val uint64) FieldValue {
	return FieldValue{
		BitField: f, // 保留引用
		Value:    ExtractBits(val, f.Start, f.Len),
	}
}

func (f *FieldValue) String() string {
	return f.BitField.Name + fmt.Sprintf("=0x%X [bits %d:%d]", f.Value, f.BitField.Start+f.BitField.Len-1, f.BitField.Start)
}

// 批量从多个字段提取值
//
//	fields := []*bit.BitField{
//	   {Name: "MaxSpeed", Start: 0, Len: 4},
//	   {Name: "MaxWidth", Start: 4, Len: 6},
//	}
//	values := bit.EvalAll(fields, 0x00000104)
//
// MaxSpeed=0x4 [bits 3:0]
// MaxWidth=0x10 [bits 9:4]
func EvalAll(fields []*BitField, val uint64) []FieldValue {
	out := make([]FieldValue, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.Eval(val))
	}
	return out
}

// 对齐的格式化输出
func FormatFieldValues(vals []FieldValue) string {
	maxNameLen := 0
	for _, v := range vals {
		if l := len(v.BitField.Name); l > maxNameLen {
			maxNameLen = l
		}
	}

	var b strings.Builder
	for _, v := range vals {
		fmt.Fprintf(&b, "%-*s = 0x%-X [bits %2d:%d]\n",
			maxNameLen,
			v.BitField.Name,
			v.Value,
			v.BitField.Start+v.BitField.Len-1,
			v.BitField.Start,
		)
	}
	return b.String()
}

// 转装字段的完整值
func PackFields(fields []FieldValue) uint64 {
	var out uint64
	for _, f := range fields {
		out = InsertBits(out, f.BitField.Start, f.BitField.Len, f.Value)
	}
	return out
}

// 寄存器读取接口, base 由调用者给出(配置空间基址 / CSR 基址)
type Reader interface {
	Read(base uint64, offset uint32) uint32
}

// 普通函数读取型
type FunctionReader func(base uint64, offset uint32) uint32

func (f FunctionReader) Read(base uint64, offset uint32) uint32 {
	return f(base, offset)
}

// RegisterDescriptor 描述一个 32 位寄存器
// Space 表示偏移相对的地址空间(cfg / csr / 能力名)
type RegisterDescriptor struct {
	Name   string
	Space  string
	Offset uint32
	Fields []*BitField
	Doc    string
}

func (r *RegisterDescriptor) Eval(val uint32) []FieldValue {
	return EvalAll(r.Fields, uint64(val))
}

func (r *RegisterDescriptor) Format(val uint32) string {
	return fmt.Sprintf("%s (%s+0x%03X) = 0x%08X\n", r.Name, r.Space, r.Offset, val) +
		FormatFieldValues(r.Eval(val))
}

// ReadFrom 通过 Reader 读取寄存器并解码
func (r *RegisterDescriptor) ReadFrom(rd Reader, base uint64) (uint32, []FieldValue) {
	v := rd.Read(base, r.Offset)
	return v, r.Eval(v)
}
