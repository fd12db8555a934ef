// Package model 定义核心数据类型。
// Record 是整条流水线（读取 → 归并 → 统计）流转的最小数据单元。
package model

// Record 一条价格观测记录
// 由 CSV 行解析器构造，字段构造后不再修改。
type Record struct {
	// ReceiveTs 接收时间戳（毫秒，带符号 64 位整数）
	ReceiveTs int64
	// Price 价格（有限 64 位浮点数）
	Price float64
}
