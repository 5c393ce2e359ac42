package ui

import (
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"Field-Simulator/config"
	"Field-Simulator/simulation"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/paulmach/orb"
)

func newWatchModel(t *testing.T) Model {
	t.Helper()
	cfg := config.Default()
	cfg.Learning.Enabled = false
	e := simulation.NewEpisode(cfg, simulation.WithLogger(log.New(io.Discard, "", 0)))
	e.PlacePlant(orb.Point{0, 0.5}, simulation.Healthy)
	e.Spawn(simulation.TractorSpec{Role: simulation.RoleHarvester, Position: orb.Point{0, 0}})
	return NewModel(e, 0.02, 10, time.Millisecond)
}

func TestFrameAdvancesEpisode(t *testing.T) {
	m := newWatchModel(t)
	model, cmd := m.Update(frameMsg(time.Now()))
	m = model.(Model)
	if m.snap.Tick != 10 {
		t.Errorf("一帧应推进 10 个 tick, 得到 %d", m.snap.Tick)
	}
	if cmd == nil {
		t.Error("未结束时应继续调度下一帧")
	}

	for i := 0; i < 20 && !m.snap.Finished; i++ {
		model, cmd = m.Update(frameMsg(time.Now()))
		m = model.(Model)
	}
	if !m.snap.Finished {
		t.Fatal("回合应在 200 tick 内结束")
	}
	if cmd != nil {
		t.Error("结束后不应再调度帧")
	}
	if !strings.Contains(m.View(), "已完成") {
		t.Error("视图应显示已完成")
	}
}

func TestKeysControlPlayback(t *testing.T) {
	m := newWatchModel(t)

	model, _ := m.Update(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	m = model.(Model)
	if !m.paused {
		t.Fatal("空格应暂停")
	}
	model, _ = m.Update(frameMsg(time.Now()))
	m = model.(Model)
	if m.snap.Tick != 0 {
		t.Errorf("暂停时不应推进, tick=%d", m.snap.Tick)
	}

	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'+'}})
	m = model.(Model)
	if m.ticksPerFrame != 20 {
		t.Errorf("+ 应加倍速度, 得到 %d", m.ticksPerFrame)
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q 应返回退出命令")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q 应触发 tea.Quit")
	}
}

func TestRenderFieldMarksEntities(t *testing.T) {
	m := newWatchModel(t)
	out := renderField(m.snap)
	for _, mark := range []string{"B", ".", "V"} {
		if !strings.Contains(out, mark) {
			t.Errorf("地图中缺少标记 %q", mark)
		}
	}
	if c, r := project(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, orb.Point{10, 10}); c != mapCols-1 || r != 0 {
		t.Errorf("右上角应映射到 (%d, 0), 得到 (%d, %d)", mapCols-1, c, r)
	}
}
