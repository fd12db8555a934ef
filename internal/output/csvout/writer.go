// Package csvout 实现追加式 CSV 结果输出。
// 文件以 append 模式打开；仅当打开时文件为空才在首次写入前补写表头。
// 浮点列统一使用 8 位小数的定点表示。
package csvout

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"streaming-median-tracker/internal/stats/tdigest"
	"streaming-median-tracker/internal/util/fastparse"
)

// floatPrecision 浮点列的小数位数
const floatPrecision = 8

// Writer 追加式 CSV 写入器
// 实现 calc.Sink；由互斥锁保护，可被多个写入方共享。
type Writer struct {
	// path 输出文件路径
	path string
	// extraNames 附加统计列名（决定表头）
	extraNames []string

	// mu 保护文件与缓冲
	mu sync.Mutex
	// f 底层文件
	f *os.File
	// bw 缓冲写入器
	bw *bufio.Writer
	// headerNeeded 首次写入时是否需要补写表头
	headerNeeded bool
	// headerWritten 表头是否已写入
	headerWritten bool
	// row 行构造缓冲（复用以减少分配）
	row []byte

	// totalRecords 成功写入的行数（单调不减）
	totalRecords uint64
}

// NewWriter 创建 CSV 写入器
// 以 append 模式打开文件，不存在则创建（父目录一并创建）。
// 打开时文件为空则记录需要表头，首次 WriteMedian 时写入。
// 参数 path: 输出文件路径
// 参数 extraNames: 附加统计列名列表
// 返回: 写入器或打开失败的错误
func NewWriter(path string, extraNames []string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建输出目录失败: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat 输出文件失败: %w", err)
	}

	return &Writer{
		path:         path,
		extraNames:   extraNames,
		f:            f,
		bw:           bufio.NewWriterSize(f, 1<<16),
		headerNeeded: st.Size() == 0,
	}, nil
}

// WriteMedian 写入一行结果
// 行格式: receive_ts;median[;extra…]，定点 8 位小数，\n 结尾。
// 参数 receiveTs: 触发记录的接收时间戳
// 参数 median: 当前中位数估计
// 参数 extras: 附加统计列（顺序与表头一致）
// 返回: 写入失败时的错误（调用方视为致命）
func (w *Writer) WriteMedian(receiveTs int64, median float64, extras []tdigest.NamedValue) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.headerNeeded && !w.headerWritten {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}

	w.row = w.row[:0]
	w.row = fastparse.AppendInt(w.row, receiveTs)
	w.row = append(w.row, ';')
	w.row = fastparse.AppendFixed(w.row, median, floatPrecision)
	for _, ev := range extras {
		w.row = append(w.row, ';')
		w.row = fastparse.AppendFixed(w.row, ev.Value, floatPrecision)
	}
	w.row = append(w.row, '\n')

	if _, err := w.bw.Write(w.row); err != nil {
		return fmt.Errorf("写入结果行失败: %w", err)
	}

	atomic.AddUint64(&w.totalRecords, 1)
	return nil
}

// writeHeader 写入表头行
// 调用方须持有 w.mu。
func (w *Writer) writeHeader() error {
	header := "receive_ts;median"
	for _, name := range w.extraNames {
		header += ";" + name
	}
	header += "\n"

	if _, err := w.bw.WriteString(header); err != nil {
		return fmt.Errorf("写入表头失败: %w", err)
	}
	w.headerWritten = true
	return nil
}

// Flush 强制刷新缓冲到文件
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Close 刷新并关闭文件
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	flushErr := w.bw.Flush()
	closeErr := w.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// TotalRecords 成功写入的行数
func (w *Writer) TotalRecords() uint64 {
	return atomic.LoadUint64(&w.totalRecords)
}
