package simulation

import "fmt"

// Action 代表拖拉机在一次决策中可以选择的离散动作。
type Action int

const (
	// ActionSeekInfected 前往最近的感染植株。
	ActionSeekInfected Action = iota
	// ActionSeekHarvest 前往最近的可收获植株 (健康或已治愈)。
	ActionSeekHarvest
	// ActionReturnToBarn 返回谷仓。
	ActionReturnToBarn
)

const (
	// ActionCount 动作空间大小
	ActionCount = 3
	// StateCount 状态空间大小: 3 个独立的布尔位
	StateCount = 8
)

func (a Action) String() string {
	switch a {
	case ActionSeekInfected:
		return "seek_infected"
	case ActionSeekHarvest:
		return "seek_harvest"
	case ActionReturnToBarn:
		return "return_to_barn"
	default:
		return "unknown"
	}
}

// Observation 是拖拉机在决策时刻感知到的离散环境信息。
type Observation struct {
	InfectedAvailable bool `json:"infected_available"`
	HarvestAvailable  bool `json:"harvest_available"`
	NeedsRefill       bool `json:"needs_refill"`
}

// State 把观测编码为 Q 表的行号:
// bit2 = 存在感染植株, bit1 = 存在可收获植株, bit0 = 需要补给。
func (o Observation) State() int {
	s := 0
	if o.InfectedAvailable {
		s |= 1 << 2
	}
	if o.HarvestAvailable {
		s |= 1 << 1
	}
	if o.NeedsRefill {
		s |= 1 << 0
	}
	return s
}

// DecodeState 是 State 的逆运算, 主要用于报表。
func DecodeState(s int) Observation {
	return Observation{
		InfectedAvailable: s&(1<<2) != 0,
		HarvestAvailable:  s&(1<<1) != 0,
		NeedsRefill:       s&(1<<0) != 0,
	}
}

// Transition 记录一次 Q 表更新所用的 (s, a, r, s')。
type Transition struct {
	State     int     `json:"state"`
	Action    Action  `json:"action"`
	Reward    float64 `json:"reward"`
	NextState int     `json:"next_state"`
}

func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Action) UnmarshalText(b []byte) error {
	for c := ActionSeekInfected; c < ActionCount; c++ {
		if c.String() == string(b) {
			*a = c
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", b)
}
