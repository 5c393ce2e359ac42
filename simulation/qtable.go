package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// LearningParams 是一个 Q 表实例固定不变的超参数。
type LearningParams struct {
	Alpha   float64 // 学习率
	Gamma   float64 // 折扣因子
	Epsilon float64 // 探索率
}

// QTable 是单台拖拉机的表格型 Q-learning 策略。
// 它只被所属的拖拉机读写, 不支持并发写入。
type QTable struct {
	q       [][]float64
	params  LearningParams
	rng     *rand.Rand
	updates uint64
}

// NewQTable 创建一个全零的 states x actions 表。rng 决定探索序列, 固定种子即可复现。
func NewQTable(states, actions int, params LearningParams, rng *rand.Rand) *QTable {
	q := make([][]float64, states)
	for s := range q {
		q[s] = make([]float64, actions)
	}
	return &QTable{q: q, params: params, rng: rng}
}

// SelectAction 实现 ε-greedy: 以概率 ε 均匀随机选择, 否则选择 Q 值最大的动作,
// 并列时取编号最小者。
func (t *QTable) SelectAction(state int) Action {
	actions := len(t.q[state])
	if t.rng.Float64() < t.params.Epsilon {
		return Action(t.rng.IntN(actions))
	}
	return t.Greedy(state)
}

// Greedy 返回不含探索的最优动作。
func (t *QTable) Greedy(state int) Action {
	best := math.Inf(-1)
	bestA := 0
	for a, v := range t.q[state] {
		if v > best {
			best = v
			bestA = a
		}
	}
	return Action(bestA)
}

// Update 执行单步 Q-learning 更新:
// Q(s,a) <- Q(s,a) + α[r + γ·max Q(s',a') - Q(s,a)]
func (t *QTable) Update(s int, a Action, reward float64, next int) {
	old := t.q[s][a]
	target := reward + t.params.Gamma*t.maxValue(next)
	t.q[s][a] = old + t.params.Alpha*(target-old)
	t.updates++
}

func (t *QTable) maxValue(state int) float64 {
	best := math.Inf(-1)
	for _, v := range t.q[state] {
		if v > best {
			best = v
		}
	}
	return best
}

func (t *QTable) Value(s int, a Action) float64 { return t.q[s][a] }

// Values 返回某一状态所有动作的 Q 值副本。
func (t *QTable) Values(s int) []float64 {
	out := make([]float64, len(t.q[s]))
	copy(out, t.q[s])
	return out
}

// Table 返回整张表的深拷贝。
func (t *QTable) Table() [][]float64 {
	out := make([][]float64, len(t.q))
	for s := range t.q {
		out[s] = t.Values(s)
	}
	return out
}

// Load 用已保存的表覆盖当前的值, 形状必须一致。
func (t *QTable) Load(table [][]float64) error {
	if len(table) != len(t.q) {
		return fmt.Errorf("q-table shape mismatch: %d states, want %d", len(table), len(t.q))
	}
	for s := range table {
		if len(table[s]) != len(t.q[s]) {
			return fmt.Errorf("q-table shape mismatch: state %d has %d actions, want %d", s, len(table[s]), len(t.q[s]))
		}
	}
	for s := range table {
		copy(t.q[s], table[s])
	}
	return nil
}

func (t *QTable) Params() LearningParams { return t.params }

// Updates 返回累计执行过的更新次数。
func (t *QTable) Updates() uint64 { return t.updates }
