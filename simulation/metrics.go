package simulation

import (
	"fmt"
	"math"
	"sync/atomic"
)

// atomicFloat 是基于 CAS 的 float64 累加器。
type atomicFloat struct{ bits atomic.Uint64 }

func (f *atomicFloat) Add(delta float64) {
	for {
		old := f.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if f.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (f *atomicFloat) Load() float64 { return math.Float64frombits(f.bits.Load()) }

// Metrics 是一个回合内的被动计数器, 每个字段独立原子更新, 不存在跨字段事务。
// 新回合使用新的 Metrics 实例。
type Metrics struct {
	totalReward   atomicFloat
	totalDistance atomicFloat
	elapsed       atomicFloat

	cured     atomic.Uint64
	harvested atomic.Uint64
	refills   atomic.Uint64
}

func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) AddReward(r float64)   { m.totalReward.Add(r) }
func (m *Metrics) AddDistance(d float64) { m.totalDistance.Add(d) }
func (m *Metrics) AddTime(dt float64)    { m.elapsed.Add(dt) }
func (m *Metrics) OnCured()              { m.cured.Add(1) }
func (m *Metrics) OnHarvested()          { m.harvested.Add(1) }
func (m *Metrics) OnRefilled()           { m.refills.Add(1) }

// MetricsSnapshot 是 Metrics 在某一时刻的只读副本。
type MetricsSnapshot struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	TotalReward    float64 `json:"total_reward"`
	Cured          uint64  `json:"cured"`
	Harvested      uint64  `json:"harvested"`
	Refills        uint64  `json:"refills"`
	Distance       float64 `json:"distance"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ElapsedSeconds: m.elapsed.Load(),
		TotalReward:    m.totalReward.Load(),
		Cured:          m.cured.Load(),
		Harvested:      m.harvested.Load(),
		Refills:        m.refills.Load(),
		Distance:       m.totalDistance.Load(),
	}
}

// Report 生成回合结束时的可读摘要。
func (m *Metrics) Report() string {
	return m.Snapshot().String()
}

func (s MetricsSnapshot) String() string {
	out := "--- 仿真指标 ---\n"
	out += fmt.Sprintf("  - 仿真总时长: %.1f 秒\n", s.ElapsedSeconds)
	out += fmt.Sprintf("  - 累计奖励: %.2f\n", s.TotalReward)
	out += fmt.Sprintf("  - 治愈植株: %d\n", s.Cured)
	out += fmt.Sprintf("  - 收获植株: %d\n", s.Harvested)
	out += fmt.Sprintf("  - 补给次数: %d\n", s.Refills)
	out += fmt.Sprintf("  - 行驶距离: %.1f 单位\n", s.Distance)
	out += "----------------\n"
	return out
}
