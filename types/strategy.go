package types

// Strategy 调度策略：记分系数 + 最低分阈值 + 粘性开关。
// score = base − α·norm_lat − β·err − γ·cost − δ·quota_pen
type Strategy struct {
	Name             string  `json:"name"`
	Alpha            float64 `json:"alpha"`
	Beta             float64 `json:"beta"`
	Gamma            float64 `json:"gamma"`
	Delta            float64 `json:"delta"`
	MinScore         float64 `json:"min_score"`
	EnableStickiness bool    `json:"enable_stickiness"`
}

// 内建策略，数据库无记录时回退使用。
const (
	StrategyBalanced         = "balanced"
	StrategyLatencyFirst     = "latency_first"
	StrategyCostFirst        = "cost_first"
	StrategyReliabilityFirst = "reliability_first"
)

// BuiltinStrategies 返回内建策略表。
func BuiltinStrategies() map[string]Strategy {
	return map[string]Strategy{
		StrategyBalanced:         {Name: StrategyBalanced, Alpha: 0.3, Beta: 0.3, Gamma: 0.2, Delta: 0.2, MinScore: 0, EnableStickiness: true},
		StrategyLatencyFirst:     {Name: StrategyLatencyFirst, Alpha: 0.6, Beta: 0.2, Gamma: 0.1, Delta: 0.1, MinScore: 0, EnableStickiness: true},
		StrategyCostFirst:        {Name: StrategyCostFirst, Alpha: 0.2, Beta: 0.2, Gamma: 0.5, Delta: 0.1, MinScore: 0, EnableStickiness: true},
		StrategyReliabilityFirst: {Name: StrategyReliabilityFirst, Alpha: 0.3, Beta: 0.5, Gamma: 0.1, Delta: 0.1, MinScore: 0, EnableStickiness: true},
	}
}

// LookupStrategy 按名称取策略；未知名称回退 balanced。
func LookupStrategy(name string) Strategy {
	builtins := BuiltinStrategies()
	if s, ok := builtins[name]; ok {
		return s
	}
	return builtins[StrategyBalanced]
}
