package simulation

import (
	"fmt"

	"github.com/paulmach/orb"
)

// PlantState 是植株的生命周期状态。被收获的植株直接从田地中移除, 没有单独的状态。
type PlantState int

const (
	Healthy PlantState = iota
	Infected
	Cured
)

func (s PlantState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Infected:
		return "infected"
	case Cured:
		return "cured"
	default:
		return "unknown"
	}
}

// Harvestable 表示收割拖拉机可以处理该状态。
func (s PlantState) Harvestable() bool { return s == Healthy || s == Cured }

// Role 在创建时固定, 决定拖拉机能处理哪些植株。
type Role int

const (
	RoleHerbicide Role = iota
	RoleHarvester
)

func (r Role) String() string {
	if r == RoleHerbicide {
		return "herbicide"
	}
	return "harvester"
}

// Accepts 把角色映射到可处理的植株状态:
// 除草只处理感染植株, 收割处理健康或已治愈的植株。
func (r Role) Accepts(s PlantState) bool {
	switch r {
	case RoleHerbicide:
		return s == Infected
	case RoleHarvester:
		return s.Harvestable()
	}
	return false
}

// RoleForSpawn 是出生点的角色分配规则: 前 herbicideCount 个为除草, 其余为收割。
func RoleForSpawn(i, herbicideCount int) Role {
	if i < herbicideCount {
		return RoleHerbicide
	}
	return RoleHarvester
}

// Plant 是田地中的一株植物。
type Plant struct {
	ID       int         `json:"id"`
	Position orb.Point   `json:"position"`
	State    PlantState  `json:"state"`
	Handle   PlantHandle `json:"-"`
}

// PlantHandle 是对植株的弱引用: 槽位 + 代数。
// 植株被移除后代数递增, 旧句柄随之失效, 使用前必须经 Field.Get 重新校验。
type PlantHandle struct {
	Slot       int
	Generation uint32
}

func (s PlantState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *PlantState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "infected":
		*s = Infected
	case "cured":
		*s = Cured
	default:
		return fmt.Errorf("unknown plant state %q", b)
	}
	return nil
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "herbicide":
		*r = RoleHerbicide
	case "harvester":
		*r = RoleHarvester
	default:
		return fmt.Errorf("unknown role %q", b)
	}
	return nil
}
