package simulation

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Locomotion 是外部的运动模型: 只负责"朝某点移动", 不参与决策。
// 返回新的位置、新的朝向 (弧度) 和本次移动的距离。
type Locomotion interface {
	MoveToward(pos orb.Point, heading float64, target orb.Point, dt float64) (orb.Point, float64, float64)
}

// Arrived 用平面距离判断是否到达目标。
func Arrived(pos, target orb.Point, threshold float64) bool {
	return planar.Distance(pos, target) <= threshold
}

// CarLike 模拟类似汽车的运动: 朝向偏差较大时原地转向, 否则沿当前朝向前进。
type CarLike struct {
	MoveSpeed         float64 // 单位/秒
	TurnSpeedDeg      float64 // 度/秒
	AlignToleranceDeg float64 // 小于该偏差时直接前进, 0 表示使用 5 度
}

const (
	defaultAlignToleranceDeg = 5.0
	// 距离平方小于该值时视为已在目标点上, 不再移动
	minMoveDistanceSq = 0.01
)

func (c CarLike) MoveToward(pos orb.Point, heading float64, target orb.Point, dt float64) (orb.Point, float64, float64) {
	dx := target[0] - pos[0]
	dy := target[1] - pos[1]
	if dx*dx+dy*dy < minMoveDistanceSq {
		return pos, heading, 0
	}

	tolerance := c.AlignToleranceDeg
	if tolerance <= 0 {
		tolerance = defaultAlignToleranceDeg
	}

	angle := normalizeAngle(math.Atan2(dy, dx) - heading)
	if math.Abs(angle) > degToRad(tolerance) {
		turn := math.Copysign(degToRad(c.TurnSpeedDeg)*dt, angle)
		if math.Abs(turn) > math.Abs(angle) {
			turn = angle
		}
		return pos, normalizeAngle(heading + turn), 0
	}

	step := c.MoveSpeed * dt
	next := orb.Point{pos[0] + math.Cos(heading)*step, pos[1] + math.Sin(heading)*step}
	return next, heading, step
}

// normalizeAngle 把角度归一化到 (-π, π]。
func normalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }

func radToDeg(r float64) float64 { return r * 180 / math.Pi }
