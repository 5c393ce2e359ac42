// C:/workspace/go/Field-Simulator-Go/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ===================================================================
//                           参考参数
// ===================================================================

const (
	// 田地网格
	DefaultRows             = 9
	DefaultCols             = 9
	DefaultSpacing          = 5.0
	DefaultInfectedFraction = 0.4

	// 谷仓 (补给点)
	DefaultBarnRadius = 20.0

	// 拖拉机资源
	DefaultFuelMax             = 100.0
	DefaultHerbicideMax        = 10.0
	DefaultRefillFuelThreshold = 5.0
	DefaultHerbicideCount      = 2

	// 作业与运动
	DefaultWorkDuration     = 1.0
	DefaultWorkFuelCost     = 2.0
	DefaultStoppingDistance = 0.8
	DefaultMoveSpeed        = 3.0
	DefaultTurnSpeedDeg     = 120.0
	// 每秒前进消耗 0.5 燃油, 速度 3 单位/秒 => 每单位距离 1/6 燃油
	DefaultFuelPerUnit = 0.5 / DefaultMoveSpeed

	// Q-learning
	DefaultAlpha            = 0.1
	DefaultGamma            = 0.9
	DefaultEpsilon          = 0.25
	DefaultDecisionInterval = 1.0
	DefaultTimePenalty      = 0.01

	// 奖励
	DefaultRefillReward  = 2.0
	DefaultSuccessReward = 10.0
	DefaultInvalidReward = -2.0

	// 运行
	DefaultTickSeconds        = 0.02
	DefaultMaxTicks           = 500000
	DefaultSampleEverySeconds = 30.0
)

// TargetMode 决定动作 0/1 如何映射到植株类别。
const (
	// TargetModeRole: 动作只会锁定本角色可以处理的植株。
	TargetModeRole = "role"
	// TargetModeReference: 动作 0 总是搜索感染植株, 动作 1 总是搜索可收获植株, 与角色无关。
	TargetModeReference = "reference"
)

// Point 是配置文件中的二维坐标。
type Point struct {
	X float64 `yaml:"x" toml:"x" json:"x"`
	Y float64 `yaml:"y" toml:"y" json:"y"`
}

type Config struct {
	Field    FieldConfig    `yaml:"field" toml:"field" json:"field"`
	Barn     BarnConfig     `yaml:"barn" toml:"barn" json:"barn"`
	Tractor  TractorConfig  `yaml:"tractor" toml:"tractor" json:"tractor"`
	Learning LearningConfig `yaml:"learning" toml:"learning" json:"learning"`
	Run      RunConfig      `yaml:"run" toml:"run" json:"run"`
	Output   OutputConfig   `yaml:"output" toml:"output" json:"output"`

	Path string `yaml:"-" toml:"-" json:"-"`
}

// FieldConfig 描述植株网格。
type FieldConfig struct {
	Rows             int     `yaml:"rows" toml:"rows" json:"rows"`
	Cols             int     `yaml:"cols" toml:"cols" json:"cols"`
	RowSpacing       float64 `yaml:"row_spacing" toml:"row_spacing" json:"row_spacing"`
	ColSpacing       float64 `yaml:"col_spacing" toml:"col_spacing" json:"col_spacing"`
	Origin           Point   `yaml:"origin" toml:"origin" json:"origin"`
	InfectedFraction float64 `yaml:"infected_fraction" toml:"infected_fraction" json:"infected_fraction"`
}

type BarnConfig struct {
	Position Point   `yaml:"position" toml:"position" json:"position"`
	Radius   float64 `yaml:"radius" toml:"radius" json:"radius"`
}

// Spawn 是一台拖拉机的出生点。
type Spawn struct {
	Position   Point   `yaml:"position" toml:"position" json:"position"`
	HeadingDeg float64 `yaml:"heading_deg" toml:"heading_deg" json:"heading_deg"`
}

type TractorConfig struct {
	Starts []Spawn `yaml:"starts" toml:"starts" json:"starts"`
	// 前 HerbicideCount 个出生点分配除草角色, 其余为收割角色。
	HerbicideCount int `yaml:"herbicide_count" toml:"herbicide_count" json:"herbicide_count"`

	FuelMax             float64 `yaml:"fuel_max" toml:"fuel_max" json:"fuel_max"`
	HerbicideMax        float64 `yaml:"herbicide_max" toml:"herbicide_max" json:"herbicide_max"`
	RefillFuelThreshold float64 `yaml:"refill_fuel_threshold" toml:"refill_fuel_threshold" json:"refill_fuel_threshold"`
	WorkDuration        float64 `yaml:"work_duration" toml:"work_duration" json:"work_duration"`
	WorkFuelCost        float64 `yaml:"work_fuel_cost" toml:"work_fuel_cost" json:"work_fuel_cost"`
	StoppingDistance    float64 `yaml:"stopping_distance" toml:"stopping_distance" json:"stopping_distance"`
	MoveSpeed           float64 `yaml:"move_speed" toml:"move_speed" json:"move_speed"`
	TurnSpeedDeg        float64 `yaml:"turn_speed_deg" toml:"turn_speed_deg" json:"turn_speed_deg"`
	FuelPerUnit         float64 `yaml:"fuel_per_unit" toml:"fuel_per_unit" json:"fuel_per_unit"`
}

type RewardConfig struct {
	Refill  float64 `yaml:"refill" toml:"refill" json:"refill"`
	Success float64 `yaml:"success" toml:"success" json:"success"`
	Invalid float64 `yaml:"invalid" toml:"invalid" json:"invalid"`
}

type LearningConfig struct {
	// Enabled=false 时退化为贪心策略: 始终前往本角色最近的植株。
	Enabled          bool         `yaml:"enabled" toml:"enabled" json:"enabled"`
	Alpha            float64      `yaml:"alpha" toml:"alpha" json:"alpha"`
	Gamma            float64      `yaml:"gamma" toml:"gamma" json:"gamma"`
	Epsilon          float64      `yaml:"epsilon" toml:"epsilon" json:"epsilon"`
	DecisionInterval float64      `yaml:"decision_interval" toml:"decision_interval" json:"decision_interval"`
	TimePenalty      float64      `yaml:"time_penalty" toml:"time_penalty" json:"time_penalty"`
	TargetMode       string       `yaml:"target_mode" toml:"target_mode" json:"target_mode"`
	WarmStart        bool         `yaml:"warm_start" toml:"warm_start" json:"warm_start"`
	Rewards          RewardConfig `yaml:"rewards" toml:"rewards" json:"rewards"`
}

type RunConfig struct {
	Seed               uint64  `yaml:"seed" toml:"seed" json:"seed"`
	TickSeconds        float64 `yaml:"tick_seconds" toml:"tick_seconds" json:"tick_seconds"`
	MaxTicks           int     `yaml:"max_ticks" toml:"max_ticks" json:"max_ticks"`
	Parallel           bool    `yaml:"parallel" toml:"parallel" json:"parallel"`
	SampleEverySeconds float64 `yaml:"sample_every_seconds" toml:"sample_every_seconds" json:"sample_every_seconds"`
}

// OutputConfig 中的空路径表示关闭对应的输出。
type OutputConfig struct {
	ReportDir string `yaml:"report_dir" toml:"report_dir" json:"report_dir"`
	EventDir  string `yaml:"event_dir" toml:"event_dir" json:"event_dir"`
	DBPath    string `yaml:"db_path" toml:"db_path" json:"db_path"`
}

// Default 返回参考配置: 9x9 田地, 四台拖拉机 (两台除草, 两台收割)。
func Default() Config {
	return Config{
		Field: FieldConfig{
			Rows:             DefaultRows,
			Cols:             DefaultCols,
			RowSpacing:       DefaultSpacing,
			ColSpacing:       DefaultSpacing,
			InfectedFraction: DefaultInfectedFraction,
		},
		// 参考布局中最远角点距谷仓区域约 48 单位, 而燃油降到阈值后只够行驶约 18 单位,
		// 收割拖拉机常在田地中耗尽燃油, 许多种子会以 tick 上限结束。需要稳定完成时把谷仓移近田地。
		Barn: BarnConfig{
			Position: Point{X: 0, Y: -45},
			Radius:   DefaultBarnRadius,
		},
		Tractor: TractorConfig{
			Starts: []Spawn{
				{Position: Point{X: -9, Y: -22}, HeadingDeg: 90},
				{Position: Point{X: -3, Y: -22}, HeadingDeg: 90},
				{Position: Point{X: 3, Y: -22}, HeadingDeg: 90},
				{Position: Point{X: 9, Y: -22}, HeadingDeg: 90},
			},
			HerbicideCount:      DefaultHerbicideCount,
			FuelMax:             DefaultFuelMax,
			HerbicideMax:        DefaultHerbicideMax,
			RefillFuelThreshold: DefaultRefillFuelThreshold,
			WorkDuration:        DefaultWorkDuration,
			WorkFuelCost:        DefaultWorkFuelCost,
			StoppingDistance:    DefaultStoppingDistance,
			MoveSpeed:           DefaultMoveSpeed,
			TurnSpeedDeg:        DefaultTurnSpeedDeg,
			FuelPerUnit:         DefaultFuelPerUnit,
		},
		Learning: LearningConfig{
			Enabled:          true,
			Alpha:            DefaultAlpha,
			Gamma:            DefaultGamma,
			Epsilon:          DefaultEpsilon,
			DecisionInterval: DefaultDecisionInterval,
			TimePenalty:      DefaultTimePenalty,
			TargetMode:       TargetModeRole,
			Rewards: RewardConfig{
				Refill:  DefaultRefillReward,
				Success: DefaultSuccessReward,
				Invalid: DefaultInvalidReward,
			},
		},
		Run: RunConfig{
			Seed:               1,
			TickSeconds:        DefaultTickSeconds,
			MaxTicks:           DefaultMaxTicks,
			SampleEverySeconds: DefaultSampleEverySeconds,
		},
	}
}

// Load 读取 YAML 或 TOML 配置文件, 覆盖在 Default() 之上。
// 路径为空时直接返回默认配置。
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	resolved := filepath.Clean(path)
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	switch strings.ToLower(filepath.Ext(resolved)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode yaml config: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", filepath.Ext(resolved))
	}
	cfg.Path = resolved

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
