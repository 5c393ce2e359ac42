// C:/workspace/go/Field-Simulator-Go/collector/collector.go
package collector

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"Field-Simulator/simulation"

	"github.com/xuri/excelize/v2"
)

// Source 是数据收集器读取的回合视图, 由 *simulation.Episode 实现。
type Source interface {
	Snapshot() simulation.EpisodeSnapshot
	Policies() []simulation.PolicySnapshot
}

// Sample 是时间线上的一个采样点。
type Sample struct {
	Elapsed   float64
	Tick      uint64
	Counts    simulation.PlantCounts
	Reward    float64
	Distance  float64
	Refills   uint64
	Cured     uint64
	Harvested uint64
}

// DataCollector 按仿真时间定期采样回合状态, 同时作为 Observer 统计事件,
// 回合结束后把所有数据写入 Excel。
type DataCollector struct {
	source Source
	dir    string
	every  float64 // 采样间隔 (仿真秒)
	logger *log.Logger

	mu          sync.Mutex
	samples     []Sample
	nextSample  float64
	tractorKind map[string]map[simulation.TractorEventKind]int
	transitions map[string]int
}

// NewDataCollector 创建一个新的数据收集器实例。dir 为空时使用 "report"。
func NewDataCollector(source Source, dir string, every float64, logger *log.Logger) *DataCollector {
	if dir == "" {
		dir = "report"
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DataCollector{
		source:      source,
		dir:         dir,
		every:       every,
		logger:      logger,
		tractorKind: make(map[string]map[simulation.TractorEventKind]int),
		transitions: make(map[string]int),
	}
}

// SetSource 切换到新的回合, 并清空之前的采样。
func (dc *DataCollector) SetSource(source Source) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.source = source
	dc.samples = nil
	dc.nextSample = 0
	dc.tractorKind = make(map[string]map[simulation.TractorEventKind]int)
	dc.transitions = make(map[string]int)
}

// Sample 在仿真时间到达下一个采样点时记录一次快照, 返回是否记录。
func (dc *DataCollector) Sample() bool {
	dc.mu.Lock()
	src := dc.source
	due := dc.nextSample
	dc.mu.Unlock()
	if src == nil {
		return false
	}

	snap := src.Snapshot()
	if snap.Metrics.ElapsedSeconds < due {
		return false
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.samples = append(dc.samples, sampleFrom(snap))
	for dc.nextSample <= snap.Metrics.ElapsedSeconds {
		if dc.every <= 0 {
			dc.nextSample = snap.Metrics.ElapsedSeconds + 1
			break
		}
		dc.nextSample += dc.every
	}
	return true
}

func sampleFrom(snap simulation.EpisodeSnapshot) Sample {
	return Sample{
		Elapsed:   snap.Metrics.ElapsedSeconds,
		Tick:      snap.Tick,
		Counts:    snap.Counts,
		Reward:    snap.Metrics.TotalReward,
		Distance:  snap.Metrics.Distance,
		Refills:   snap.Metrics.Refills,
		Cured:     snap.Metrics.Cured,
		Harvested: snap.Metrics.Harvested,
	}
}

// Samples 返回已记录的时间线副本。
func (dc *DataCollector) Samples() []Sample {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	out := make([]Sample, len(dc.samples))
	copy(out, dc.samples)
	return out
}

func (dc *DataCollector) PlantChanged(e simulation.PlantEvent) {
	key := fmt.Sprintf("%s -> %s", e.From, e.To)
	if e.Removed {
		key = fmt.Sprintf("%s -> harvested", e.From)
	}
	dc.mu.Lock()
	dc.transitions[key]++
	dc.mu.Unlock()
}

func (dc *DataCollector) TractorEvent(e simulation.TractorEvent) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	kinds, ok := dc.tractorKind[e.TractorID]
	if !ok {
		kinds = make(map[simulation.TractorEventKind]int)
		dc.tractorKind[e.TractorID] = kinds
	}
	kinds[e.Kind]++
}

// Run 在单独的 goroutine 中按 poll 间隔采样, done 关闭后保存报告。
func (dc *DataCollector) Run(wg *sync.WaitGroup, done <-chan struct{}, poll time.Duration, label string) {
	defer wg.Done()
	dc.logger.Printf("📊 数据收集器已启动, 每 %.0f 仿真秒记录一次数据...", dc.every)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dc.Sample()
		case <-done:
			if _, err := dc.CollectAndSave(label); err != nil {
				dc.logger.Printf("❌ 错误: %v", err)
			}
			return
		}
	}
}

// CollectAndSave 追加最终采样并保存 Excel 报告, 返回文件路径。
func (dc *DataCollector) CollectAndSave(label string) (string, error) {
	dc.mu.Lock()
	src := dc.source
	dc.mu.Unlock()
	if src == nil {
		return "", fmt.Errorf("no episode attached to collector")
	}
	snap := src.Snapshot()
	dc.mu.Lock()
	if n := len(dc.samples); n == 0 || dc.samples[n-1].Tick != snap.Tick {
		dc.samples = append(dc.samples, sampleFrom(snap))
	}
	dc.mu.Unlock()

	filename := filepath.Join(dc.dir, fmt.Sprintf("field_results_%s_%s.xlsx", label, time.Now().Format("20060102_150405")))
	if err := dc.SaveExcel(filename, snap, src.Policies()); err != nil {
		return "", err
	}
	dc.logger.Printf("✅ 仿真数据已成功保存到 %s", filename)
	return filename, nil
}

const (
	summarySheet  = "Summary"
	tractorSheet  = "Tractors"
	timelineSheet = "Timeline"
	qtableSheet   = "QTables"
	eventSheet    = "Events"
)

// SaveExcel 把快照、时间线、Q 表和事件统计写入 filename。
func (dc *DataCollector) SaveExcel(filename string, snap simulation.EpisodeSnapshot, policies []simulation.PolicySnapshot) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			dc.logger.Printf("❌ 关闭Excel文件时出错: %v", err)
		}
	}()

	for _, name := range []string{summarySheet, tractorSheet, timelineSheet, qtableSheet, eventSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("create sheet %s: %w", name, err)
		}
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("delete default sheet: %w", err)
	}

	// --- 汇总 ---
	m := snap.Metrics
	summary := [][]interface{}{
		{"指标", "数值"},
		{"回合 ID", snap.ID},
		{"Tick 数", snap.Tick},
		{"是否完成", snap.Finished},
		{"仿真时长 (秒)", m.ElapsedSeconds},
		{"累计奖励", m.TotalReward},
		{"治愈植株", m.Cured},
		{"收获植株", m.Harvested},
		{"补给次数", m.Refills},
		{"行驶距离", m.Distance},
		{"剩余健康", snap.Counts.Healthy},
		{"剩余感染", snap.Counts.Infected},
		{"剩余已治愈", snap.Counts.Cured},
	}
	if err := writeRows(f, summarySheet, summary); err != nil {
		return err
	}

	// --- 拖拉机 ---
	rows := [][]interface{}{{"拖拉机", "角色", "状态", "燃油", "除草剂", "决策次数", "开始作业", "治愈", "收获", "无效作业", "中止作业", "补给", "强制补给", "行驶距离", "累计奖励"}}
	for _, t := range snap.Tractors {
		s := t.Stats
		rows = append(rows, []interface{}{t.ID, t.Role, t.Mode, t.Fuel, t.Herbicide, s.Decisions, s.WorkStarted, s.Cured, s.Harvested, s.Invalid, s.Aborted, s.Refills, s.Forced, s.Distance, s.Reward})
	}
	if err := writeRows(f, tractorSheet, rows); err != nil {
		return err
	}

	// --- 时间线 ---
	timeline := [][]interface{}{{"仿真时间 (秒)", "Tick", "健康", "感染", "已治愈", "已收获", "累计奖励", "行驶距离", "补给次数"}}
	for _, s := range dc.Samples() {
		timeline = append(timeline, []interface{}{s.Elapsed, s.Tick, s.Counts.Healthy, s.Counts.Infected, s.Counts.Cured, s.Counts.Harvested, s.Reward, s.Distance, s.Refills})
	}
	if err := writeRows(f, timelineSheet, timeline); err != nil {
		return err
	}

	// --- Q 表 ---
	qrows := [][]interface{}{{"拖拉机", "状态", "感染可见", "可收获", "需要补给", "Q(seek_infected)", "Q(seek_harvest)", "Q(return_to_barn)", "最优动作"}}
	for _, p := range policies {
		for s, values := range p.Table {
			obs := simulation.DecodeState(s)
			row := []interface{}{p.TractorID, s, obs.InfectedAvailable, obs.HarvestAvailable, obs.NeedsRefill}
			best := 0
			for a, v := range values {
				row = append(row, v)
				if v > values[best] {
					best = a
				}
			}
			row = append(row, simulation.Action(best).String())
			qrows = append(qrows, row)
		}
	}
	if err := writeRows(f, qtableSheet, qrows); err != nil {
		return err
	}

	// --- 事件 ---
	if err := writeRows(f, eventSheet, dc.eventRows()); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := f.SaveAs(filename); err != nil {
		return fmt.Errorf("save excel %s: %w", filename, err)
	}
	return nil
}

func (dc *DataCollector) eventRows() [][]interface{} {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	rows := [][]interface{}{{"来源", "事件", "次数"}}
	ids := make([]string, 0, len(dc.tractorKind))
	for id := range dc.tractorKind {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		kinds := make([]string, 0, len(dc.tractorKind[id]))
		for k := range dc.tractorKind[id] {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			rows = append(rows, []interface{}{id, k, dc.tractorKind[id][simulation.TractorEventKind(k)]})
		}
	}

	keys := make([]string, 0, len(dc.transitions))
	for k := range dc.transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rows = append(rows, []interface{}{"field", k, dc.transitions[k]})
	}
	return rows
}

func writeRows(f *excelize.File, sheet string, rows [][]interface{}) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
