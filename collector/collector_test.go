package collector

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"Field-Simulator/config"
	"Field-Simulator/simulation"

	"github.com/paulmach/orb"
	"github.com/xuri/excelize/v2"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newCureEpisode(t *testing.T, obs ...simulation.Observer) *simulation.Episode {
	t.Helper()
	cfg := config.Default()
	cfg.Learning.Enabled = false
	opts := []simulation.Option{simulation.WithLogger(quietLogger())}
	for _, o := range obs {
		opts = append(opts, simulation.WithObserver(o))
	}
	e := simulation.NewEpisode(cfg, opts...)
	e.PlacePlant(orb.Point{0, 0}, simulation.Infected)
	e.PlacePlant(orb.Point{0, 0.3}, simulation.Healthy)
	e.Spawn(simulation.TractorSpec{Role: simulation.RoleHerbicide, Position: orb.Point{0, 0}})
	e.Spawn(simulation.TractorSpec{Role: simulation.RoleHarvester, Position: orb.Point{0, 0.3}})
	return e
}

func TestSampleFollowsSimulationTime(t *testing.T) {
	dc := NewDataCollector(nil, t.TempDir(), 0.5, quietLogger())
	e := newCureEpisode(t, dc)
	dc.SetSource(e)

	for i := 0; i < 100; i++ {
		e.Tick(0.02)
		dc.Sample()
	}
	// 第一次调用立即采样, 之后在 0.5, 1.0, 1.5 秒各一次; 2.0 秒取决于浮点累加
	got := len(dc.Samples())
	if got < 4 || got > 5 {
		t.Errorf("期望 4-5 个采样点, 得到 %d", got)
	}
}

func TestCollectAndSaveWritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	dc := NewDataCollector(nil, dir, 1, quietLogger())
	e := newCureEpisode(t, dc)
	dc.SetSource(e)

	for i := 0; i < 200 && !e.Finished(); i++ {
		e.Tick(0.02)
		dc.Sample()
	}

	path, err := dc.CollectAndSave("test")
	if err != nil {
		t.Fatalf("保存报告失败: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("报告应写入 %s, 实际 %s", dir, path)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("打开报告失败: %v", err)
	}
	defer f.Close()

	want := []string{summarySheet, tractorSheet, timelineSheet, qtableSheet, eventSheet}
	sheets := f.GetSheetList()
	if len(sheets) != len(want) {
		t.Fatalf("期望工作表 %v, 得到 %v", want, sheets)
	}

	rows, err := f.GetRows(tractorSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("拖拉机表应有表头加 2 行, 得到 %d 行", len(rows))
	}
	qrows, err := f.GetRows(qtableSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(qrows) != 1+2*simulation.StateCount {
		t.Errorf("Q 表应有 %d 行, 得到 %d", 1+2*simulation.StateCount, len(qrows))
	}
	evRows, err := f.GetRows(eventSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(evRows) < 2 {
		t.Error("事件表不应为空")
	}
}

func TestCollectAndSaveWithoutSource(t *testing.T) {
	dc := NewDataCollector(nil, t.TempDir(), 1, quietLogger())
	if _, err := dc.CollectAndSave("x"); err == nil {
		t.Error("没有回合时应返回错误")
	}
}

func TestEventLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	elog, err := NewEventLog(dir, "episode-1", quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	e := newCureEpisode(t, elog)
	for i := 0; i < 200 && !e.Finished(); i++ {
		e.Tick(0.02)
	}
	if !e.Finished() {
		t.Fatal("回合应在 4 秒内结束")
	}
	if err := elog.Close(); err != nil {
		t.Fatalf("关闭事件日志失败: %v", err)
	}
	if err := elog.Close(); err != nil {
		t.Errorf("重复关闭不应出错: %v", err)
	}

	f, err := os.Open(elog.Path())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	events, err := ReadEvents(f)
	if err != nil {
		t.Fatalf("读取事件失败: %v", err)
	}
	if len(events) != elog.Written() {
		t.Errorf("期望 %d 个事件, 读到 %d", elog.Written(), len(events))
	}

	var cured, harvested int
	for _, ev := range events {
		if ev.Tractor != nil {
			switch ev.Tractor.Kind {
			case simulation.EventCured:
				cured++
			case simulation.EventHarvested:
				harvested++
			}
		}
	}
	if cured != 1 || harvested != 2 {
		t.Errorf("期望治愈 1 次收获 2 次, 得到 %d/%d", cured, harvested)
	}
}
