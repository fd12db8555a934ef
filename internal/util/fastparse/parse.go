// Package fastparse 提供高性能的字符串解析与格式化函数。
// 避免在热路径使用 fmt.Sprintf，统一使用 strconv 进行转换。
// 主要用于解析 CSV 行中的时间戳/价格字段，以及输出行的定点格式化。
package fastparse

import (
	"strconv"
)

// ParseInt 快速解析带符号 64 位整数字符串
// 用于解析 CSV 记录的 receive_ts 字段
// 参数 s: 待解析的字符串，如 "1714392000123"
// 返回: 解析后的整数和可能的错误
func ParseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ParseFloat 快速解析浮点数字符串
// 用于解析 CSV 记录的 price 字段
// 参数 s: 待解析的字符串，如 "12345.67"
// 返回: 解析后的浮点数和可能的错误
func ParseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// FormatInt 格式化整数为十进制字符串
// 用于输出行的时间戳字段
// 参数 i: 待格式化的整数
// 返回: 格式化后的字符串
func FormatInt(i int64) string {
	return strconv.FormatInt(i, 10)
}

// FormatFixed 以定点格式化浮点数
// 输出 CSV 统一使用 8 位小数的定点表示
// 参数 f: 待格式化的浮点数
// 参数 prec: 小数位数
// 返回: 格式化后的字符串
func FormatFixed(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// AppendFixed 将定点格式化结果追加到字节切片
// 用于输出热路径，避免中间字符串分配
// 参数 dst: 目标切片
// 参数 f: 待格式化的浮点数
// 参数 prec: 小数位数
// 返回: 追加后的切片
func AppendFixed(dst []byte, f float64, prec int) []byte {
	return strconv.AppendFloat(dst, f, 'f', prec, 64)
}

// AppendInt 将整数的十进制表示追加到字节切片
// 参数 dst: 目标切片
// 参数 i: 待格式化的整数
// 返回: 追加后的切片
func AppendInt(dst []byte, i int64) []byte {
	return strconv.AppendInt(dst, i, 10)
}
