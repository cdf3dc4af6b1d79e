package hex

import (
	"strconv"
	"strings"
)

// parseHex 接受带或不带 0x 前缀、带 BOM 和首尾空白的十六进制串，允许 _ 分组
func parseHex(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "\uFEFF") // 去除 BOM
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	s = strings.ReplaceAll(s, "_", "")
	return strconv.ParseUint(s, 16, bits)
}

// ParseHexToUint32 端点 vendor/device id
func ParseHexToUint32(s string) (uint32, error) {
	v, err := parseHex(s, 32)
	return uint32(v), err
}

// ParseHexToUint64 板级配置里的物理地址
func ParseHexToUint64(s string) (uint64, error) {
	return parseHex(s, 64)
}
