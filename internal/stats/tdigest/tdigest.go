// Package tdigest 实现流式分位数估计器 T-Digest。
// 以 O(compression) 的内存维护任意长度数据流的分位数摘要：
// 尾部质心密集（更精确），中位数附近质心稀疏。
// 摘要归本包调用方独占，内部不做并发保护。
package tdigest

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

const (
	// DefaultCompression 默认压缩参数
	DefaultCompression = 25
	// weightMultiplier 质心最大权重公式的系数
	weightMultiplier = 4.0
)

var (
	// ErrEmptyDigest 在未插入任何值之前查询分位数
	ErrEmptyDigest = errors.New("tdigest: digest is empty")
	// ErrInvalidQuantile 分位数超出 [0,1] 范围
	ErrInvalidQuantile = errors.New("tdigest: quantile out of [0,1]")
)

// centroid 加权簇：均值与权重
// count 始终 >= 1。
type centroid struct {
	mean  float64
	count uint64
}

// add 将单个值并入质心，增量更新均值
func (c *centroid) add(x float64) {
	c.mean = (c.mean*float64(c.count) + x) / float64(c.count+1)
	c.count++
}

// merge 将另一个质心并入，按权重加权合并均值
func (c *centroid) merge(other centroid) {
	total := c.count + other.count
	c.mean = (c.mean*float64(c.count) + other.mean*float64(other.count)) / float64(total)
	c.count = total
}

// TDigest 流式分位数摘要
// 质心序列按均值升序维护；质心数量不超过 2*compression。
type TDigest struct {
	// compression 压缩参数（>= 1），越大越精确、占用越多
	compression uint64
	// centroids 按均值升序的质心序列
	centroids []centroid
	// totalCount 已插入的值总数
	totalCount uint64
	// sum 已插入值的总和（用于算术均值）
	sum float64
	// minVal 观测到的最小值
	minVal float64
	// maxVal 观测到的最大值
	maxVal float64
}

// New 创建 T-Digest
// 参数 compression: 压缩参数，<1 时使用 DefaultCompression
func New(compression uint64) *TDigest {
	if compression < 1 {
		compression = DefaultCompression
	}
	return &TDigest{
		compression: compression,
		centroids:   make([]centroid, 0, 2*compression),
		minVal:      math.Inf(1),
		maxVal:      math.Inf(-1),
	}
}

// maxWeight 位置 q 处质心允许的最大权重
// W(q) = 4 * compression * q * (1-q)，在 q=0.5 处最大、向两端递减。
// q 不在 (0,1) 内时返回一个巨大值；本文件中 Add 与 compress 传入的 q 均严格位于 (0,1) 内。
func (t *TDigest) maxWeight(q float64) float64 {
	if q <= 0 || q >= 1 {
		return 1e100
	}
	return weightMultiplier * float64(t.compression) * q * (1.0 - q)
}

// Add 插入一个值
// 二分定位最近质心，但前序累计权重按线性扫描求得（O(n)，n 为质心数量），
// 新建质心时对整个序列重新排序；同时维护 min/max/sum。
// 参数 x: 待插入的值
func (t *TDigest) Add(x float64) {
	if x < t.minVal {
		t.minVal = x
	}
	if x > t.maxVal {
		t.maxVal = x
	}
	t.sum += x

	if len(t.centroids) == 0 {
		t.centroids = append(t.centroids, centroid{mean: x, count: 1})
		t.totalCount = 1
		return
	}

	// 二分定位 x 的插入点，比较其与左邻的距离取较近者（等距取左）
	pos := sort.Search(len(t.centroids), func(i int) bool {
		return t.centroids[i].mean >= x
	})

	best := pos
	switch {
	case pos == len(t.centroids):
		best = pos - 1
	case pos == 0:
		best = 0
	default:
		left := math.Abs(t.centroids[pos-1].mean - x)
		right := math.Abs(t.centroids[pos].mean - x)
		if left <= right {
			best = pos - 1
		}
	}

	// 该质心的近似分位：前序累计 + 自身一半权重
	var cumulative float64
	for i := 0; i < best; i++ {
		cumulative += float64(t.centroids[i].count)
	}
	q := (cumulative + float64(t.centroids[best].count)/2.0) / float64(t.totalCount+1)

	if float64(t.centroids[best].count+1) <= t.maxWeight(q) {
		t.centroids[best].add(x)
	} else {
		t.centroids = append(t.centroids, centroid{mean: x, count: 1})
		sort.Slice(t.centroids, func(i, j int) bool {
			return t.centroids[i].mean < t.centroids[j].mean
		})
	}

	t.totalCount++

	if uint64(len(t.centroids)) > t.compression*2 {
		t.compress()
	}
}

// compress 压缩质心序列
// 从左向右扫描，累计权重允许时并入前一个已输出的质心。
func (t *TDigest) compress() {
	if len(t.centroids) <= 1 {
		return
	}

	sort.Slice(t.centroids, func(i, j int) bool {
		return t.centroids[i].mean < t.centroids[j].mean
	})

	compressed := make([]centroid, 0, t.compression)

	var cumulative float64
	for _, c := range t.centroids {
		if len(compressed) == 0 {
			compressed = append(compressed, c)
			cumulative += float64(c.count)
			continue
		}

		last := &compressed[len(compressed)-1]
		q := cumulative / float64(t.totalCount)

		if float64(last.count+c.count) <= t.maxWeight(q) {
			last.merge(c)
		} else {
			compressed = append(compressed, c)
		}

		cumulative += float64(c.count)
	}

	t.centroids = compressed
}

// Quantile 查询分位数 q 的估计值
// q=0 返回最小值，q=1 返回最大值，其余位置在相邻质心间线性插值。
// 参数 q: 分位数，必须位于 [0,1]
// 返回: 估计值；q 越界返回 ErrInvalidQuantile，空摘要返回 ErrEmptyDigest
func (t *TDigest) Quantile(q float64) (float64, error) {
	if q < 0 || q > 1 || math.IsNaN(q) {
		return 0, fmt.Errorf("%w: q=%v", ErrInvalidQuantile, q)
	}
	if t.totalCount == 0 {
		return 0, ErrEmptyDigest
	}
	if q == 0 {
		return t.minVal, nil
	}
	if q == 1 {
		return t.maxVal, nil
	}

	target := q * float64(t.totalCount)

	var cumulative float64
	for i, c := range t.centroids {
		next := cumulative + float64(c.count)

		if target < next {
			if c.count == 1 {
				return c.mean, nil
			}

			leftBound := t.minVal
			if i > 0 {
				leftBound = t.centroids[i-1].mean
			}
			rightBound := t.maxVal
			if i < len(t.centroids)-1 {
				rightBound = t.centroids[i+1].mean
			}

			leftQuantile := cumulative / float64(t.totalCount)
			rightQuantile := next / float64(t.totalCount)
			frac := (q - leftQuantile) / (rightQuantile - leftQuantile)
			return leftBound + (rightBound-leftBound)*frac, nil
		}
		cumulative = next
	}

	return t.centroids[len(t.centroids)-1].mean, nil
}

// Median 中位数估计，等价于 Quantile(0.5)
func (t *TDigest) Median() (float64, error) {
	return t.Quantile(0.5)
}

// NamedValue 具名统计值（输出列）
type NamedValue struct {
	// Name 统计名
	Name string
	// Value 统计值
	Value float64
}

// extraQuantiles 可识别的附加统计名到分位数的映射
var extraQuantiles = map[string]float64{
	"p90": 0.90,
	"p95": 0.95,
	"p99": 0.99,
}

// ExtraValues 按名字解析附加统计值
// 可识别的名字: mean（算术均值）、p90、p95、p99；无法识别的名字被忽略。
// 参数 names: 统计名列表（保序）
// 返回: 解析出的具名统计值；空摘要返回 ErrEmptyDigest
func (t *TDigest) ExtraValues(names []string) ([]NamedValue, error) {
	if len(names) == 0 {
		return nil, nil
	}
	if t.totalCount == 0 {
		return nil, ErrEmptyDigest
	}

	values := make([]NamedValue, 0, len(names))
	for _, name := range names {
		if name == "mean" {
			values = append(values, NamedValue{Name: name, Value: t.Mean()})
			continue
		}
		q, ok := extraQuantiles[name]
		if !ok {
			continue
		}
		v, err := t.Quantile(q)
		if err != nil {
			return nil, err
		}
		values = append(values, NamedValue{Name: name, Value: v})
	}
	return values, nil
}

// Mean 已插入值的算术均值
// 空摘要返回 0。
func (t *TDigest) Mean() float64 {
	if t.totalCount == 0 {
		return 0
	}
	return t.sum / float64(t.totalCount)
}

// Count 已插入的值总数
func (t *TDigest) Count() uint64 {
	return t.totalCount
}

// CentroidCount 当前质心数量
func (t *TDigest) CentroidCount() int {
	return len(t.centroids)
}

// Min 观测到的最小值
// 空摘要返回 +Inf。
func (t *TDigest) Min() float64 {
	return t.minVal
}

// Max 观测到的最大值
// 空摘要返回 -Inf。
func (t *TDigest) Max() float64 {
	return t.maxVal
}

// weightSum 质心权重之和（供不变量测试使用）
func (t *TDigest) weightSum() uint64 {
	var sum uint64
	for _, c := range t.centroids {
		sum += c.count
	}
	return sum
}
