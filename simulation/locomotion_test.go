package simulation

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestCarLikeTurnsBeforeAdvancing(t *testing.T) {
	car := CarLike{MoveSpeed: 3, TurnSpeedDeg: 120}

	pos, heading, dist := car.MoveToward(orb.Point{0, 0}, 0, orb.Point{0, 10}, 0.5)
	if pos != (orb.Point{0, 0}) || dist != 0 {
		t.Errorf("朝向偏差 90 度时应原地转向, pos=%v dist=%v", pos, dist)
	}
	if !almostEqual(heading, degToRad(60)) {
		t.Errorf("0.5 秒应转过 60 度, 得到 %v 度", radToDeg(heading))
	}

	_, heading, _ = car.MoveToward(orb.Point{0, 0}, heading, orb.Point{0, 10}, 1)
	if !almostEqual(heading, math.Pi/2) {
		t.Errorf("转向不应越过目标方向, 得到 %v 度", radToDeg(heading))
	}
}

func TestCarLikeAdvancesWhenAligned(t *testing.T) {
	car := CarLike{MoveSpeed: 3, TurnSpeedDeg: 120}
	pos, heading, dist := car.MoveToward(orb.Point{0, 0}, 0, orb.Point{10, 0.1}, 0.5)
	if !almostEqual(dist, 1.5) || !almostEqual(pos[0], 1.5) || heading != 0 {
		t.Errorf("对齐后应前进 1.5 单位, pos=%v dist=%v heading=%v", pos, dist, heading)
	}

	pos, _, dist = car.MoveToward(orb.Point{5, 5}, 0, orb.Point{5.05, 5}, 1)
	if dist != 0 || pos != (orb.Point{5, 5}) {
		t.Error("已在目标点上时不应移动")
	}
}

func TestNormalizeAngle(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0},
		{math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
	}
	for _, c := range cases {
		if got := normalizeAngle(c.in); !almostEqual(got, c.want) {
			t.Errorf("normalizeAngle(%v) = %v, 期望 %v", c.in, got, c.want)
		}
	}
}

func TestArrived(t *testing.T) {
	if !Arrived(orb.Point{0, 0}, orb.Point{0.5, 0}, 0.5) {
		t.Error("距离等于阈值应视为到达")
	}
	if Arrived(orb.Point{0, 0}, orb.Point{0.51, 0}, 0.5) {
		t.Error("距离大于阈值不应视为到达")
	}
}
