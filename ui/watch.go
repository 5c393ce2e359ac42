package ui

import (
	"fmt"
	"strings"
	"time"

	"Field-Simulator/simulation"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/paulmach/orb"
)

const (
	mapCols = 48
	mapRows = 20

	minTicksPerFrame = 1
	maxTicksPerFrame = 2000
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7BC96F"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
	footerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).MarginTop(1)
	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50"))
	infectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	curedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	tractorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD166"))
	barnStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C08457"))
)

type frameMsg time.Time

// Model 是 watch 模式的 bubbletea 模型: 每帧推进若干 tick 并重绘田地。
type Model struct {
	episode       *simulation.Episode
	dt            float64
	ticksPerFrame int
	interval      time.Duration

	paused bool
	snap   simulation.EpisodeSnapshot
}

func NewModel(e *simulation.Episode, dt float64, ticksPerFrame int, interval time.Duration) Model {
	return Model{
		episode:       e,
		dt:            dt,
		ticksPerFrame: max(minTicksPerFrame, ticksPerFrame),
		interval:      interval,
		snap:          e.Snapshot(),
	}
}

func (m Model) frame() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func (m Model) Init() tea.Cmd { return m.frame() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case " ":
			m.paused = !m.paused
		case "+", "=":
			m.ticksPerFrame = min(maxTicksPerFrame, m.ticksPerFrame*2)
		case "-":
			m.ticksPerFrame = max(minTicksPerFrame, m.ticksPerFrame/2)
		}
		return m, nil
	case frameMsg:
		if !m.paused {
			_, _ = m.episode.Advance(m.ticksPerFrame, m.dt)
		}
		m.snap = m.episode.Snapshot()
		if m.snap.Finished {
			return m, nil
		}
		return m, m.frame()
	}
	return m, nil
}

func (m Model) View() string {
	status := "运行中"
	switch {
	case m.snap.Finished:
		status = "已完成"
	case m.paused:
		status = "已暂停"
	}
	header := titleStyle.Render(fmt.Sprintf("🚜 田地仿真 · 回合 %s · tick %d · %s", shortID(m.snap.ID), m.snap.Tick, status))

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(renderField(m.snap)),
		boxStyle.Render(renderTractors(m.snap)+"\n\n"+m.snap.Metrics.String()),
	)
	footer := footerStyle.Render(fmt.Sprintf("空格 暂停/继续 · +/- 速度 (%d tick/帧) · q 退出", m.ticksPerFrame))
	return strings.Join([]string{header, body, footer}, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// renderField 把植株、拖拉机和谷仓按比例投影到字符网格上。
func renderField(snap simulation.EpisodeSnapshot) string {
	b := orb.Bound{Min: snap.Barn, Max: snap.Barn}
	for _, p := range snap.Plants {
		b = b.Extend(p.Position)
	}
	for _, t := range snap.Tractors {
		b = b.Extend(orb.Point{t.X, t.Y})
	}

	grid := make([][]string, mapRows)
	for r := range grid {
		grid[r] = make([]string, mapCols)
		for c := range grid[r] {
			grid[r][c] = " "
		}
	}
	place := func(p orb.Point, s string) {
		c, r := project(b, p)
		grid[r][c] = s
	}

	place(snap.Barn, barnStyle.Render("B"))
	for _, p := range snap.Plants {
		switch p.State {
		case simulation.Healthy:
			place(p.Position, healthyStyle.Render("."))
		case simulation.Infected:
			place(p.Position, infectedStyle.Render("x"))
		case simulation.Cured:
			place(p.Position, curedStyle.Render("o"))
		}
	}
	for _, t := range snap.Tractors {
		mark := "V"
		if t.Role == simulation.RoleHerbicide.String() {
			mark = "H"
		}
		place(orb.Point{t.X, t.Y}, tractorStyle.Render(mark))
	}

	lines := make([]string, mapRows)
	for r := range grid {
		lines[r] = strings.Join(grid[r], "")
	}
	return strings.Join(lines, "\n")
}

// project 把世界坐标映射到网格坐标, y 轴向上。
func project(b orb.Bound, p orb.Point) (int, int) {
	w := b.Max[0] - b.Min[0]
	h := b.Max[1] - b.Min[1]
	c, r := 0, mapRows-1
	if w > 0 {
		c = int((p[0] - b.Min[0]) / w * float64(mapCols-1))
	}
	if h > 0 {
		r = mapRows - 1 - int((p[1]-b.Min[1])/h*float64(mapRows-1))
	}
	return clamp(c, 0, mapCols-1), clamp(r, 0, mapRows-1)
}

func clamp(v, lo, hi int) int { return min(hi, max(lo, v)) }

func renderTractors(snap simulation.EpisodeSnapshot) string {
	lines := []string{"拖拉机        角色       状态       燃油    除草剂  动作"}
	for _, t := range snap.Tractors {
		lines = append(lines, fmt.Sprintf("%-12s  %-9s  %-9s  %6.1f  %5.1f  %s",
			t.ID, t.Role, t.Mode, t.Fuel, t.Herbicide, t.LastAction))
	}
	c := snap.Counts
	lines = append(lines, "", fmt.Sprintf("健康 %d · 感染 %d · 已治愈 %d · 已收获 %d", c.Healthy, c.Infected, c.Cured, c.Harvested))
	return strings.Join(lines, "\n")
}

// Run 在终端中全屏运行 watch 视图, 直到用户退出。
func Run(e *simulation.Episode, dt float64, ticksPerFrame int, interval time.Duration) error {
	_, err := tea.NewProgram(NewModel(e, dt, ticksPerFrame, interval), tea.WithAltScreen()).Run()
	return err
}
