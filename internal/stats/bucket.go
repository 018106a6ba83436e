package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Unit 为时间分桶粒度。
type Unit string

const (
	UnitMinute Unit = "minute"
	UnitHour   Unit = "hour"
	UnitDay    Unit = "day"
	UnitWeek   Unit = "week"
	UnitMonth  Unit = "month"
)

// Aggregator 为桶内归约方式。
type Aggregator string

const (
	AggMean   Aggregator = "mean"
	AggMedian Aggregator = "median"
	AggMax    Aggregator = "max"
)

// InvalidArgumentError 表示 unit 或 aggregator 取值不合法。
type InvalidArgumentError struct {
	Name  string
	Value string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Name, e.Value)
}

func ParseUnit(s string) (Unit, error) {
	switch u := Unit(strings.ToLower(strings.TrimSpace(s))); u {
	case UnitMinute, UnitHour, UnitDay, UnitWeek, UnitMonth:
		return u, nil
	case "":
		return UnitHour, nil
	default:
		return "", &InvalidArgumentError{Name: "unit", Value: s}
	}
}

func ParseAggregator(s string) (Aggregator, error) {
	switch a := Aggregator(strings.ToLower(strings.TrimSpace(s))); a {
	case AggMean, AggMedian, AggMax:
		return a, nil
	case "":
		return AggMean, nil
	default:
		return "", &InvalidArgumentError{Name: "aggregator", Value: s}
	}
}

// Truncate 返回 t 所在桶的起始时间（UTC）。周以周一为起点。
func (u Unit) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch u {
	case UnitMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case UnitDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case UnitWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, time.UTC)
	case UnitMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	}
}

// Reduce 对一组取值做归约；空输入返回 0。
func (a Aggregator) Reduce(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch a {
	case AggMax:
		m := math.Inf(-1)
		for _, v := range values {
			if v > m {
				m = v
			}
		}
		return m
	case AggMedian:
		sorted := make([]float64, len(values))
		copy(sorted, values)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	}
}

type bucket[T any] struct {
	start time.Time
	rows  []T
}

// bucketize 按 unit 对行分桶，只返回有数据的桶，按起始时间升序。
func bucketize[T any](rows []T, ts func(T) time.Time, unit Unit) []bucket[T] {
	index := make(map[int64]int)
	var out []bucket[T]
	for _, r := range rows {
		start := unit.Truncate(ts(r))
		key := start.UnixNano()
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, bucket[T]{start: start})
		}
		out[i].rows = append(out[i].rows, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start.Before(out[j].start) })
	return out
}

func reduceField[T any](rows []T, agg Aggregator, field func(T) float64) float64 {
	values := make([]float64, 0, len(rows))
	for _, r := range rows {
		values = append(values, field(r))
	}
	return agg.Reduce(values)
}
