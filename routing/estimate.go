package routing

import (
	"sync"

	"github.com/BaSui01/gateflow/types"

	"github.com/pkoukk/tiktoken-go"
)

// CostEstimator 估算请求成本，供预算过滤与流式预扣费使用。
// tiktoken 编码懒初始化（首次使用可能下载数据）；
// 初始化失败时退化为字符数/4 的近似。
type CostEstimator struct {
	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewCostEstimator 创建成本估算器。
func NewCostEstimator() *CostEstimator {
	return &CostEstimator{}
}

func (e *CostEstimator) init() error {
	e.once.Do(func() {
		e.enc, e.initErr = tiktoken.GetEncoding("cl100k_base")
	})
	return e.initErr
}

// CountTokens 估算文本的 token 数。
func (e *CostEstimator) CountTokens(text string) int {
	if err := e.init(); err != nil || e.enc == nil {
		return len(text)/4 + 1
	}
	return len(e.enc.Encode(text, nil, nil))
}

// EstimateTokens 估算请求的输入/输出 token 数。
// 输出按 max_tokens 取值，缺省用 minOutputTokens 兜底。
func (e *CostEstimator) EstimateTokens(p *types.Payload, minOutputTokens int) (input, output int) {
	input = 1
	if p != nil {
		input = e.CountTokens(p.Text())
	}
	output = minOutputTokens
	if p != nil && p.MaxTokens > 0 {
		output = p.MaxTokens
	}
	if output <= 0 {
		output = 256
	}
	return input, output
}

// EstimateCost 以 USD 估算一次请求对某上游的成本（价格按每百万 token）。
func (e *CostEstimator) EstimateCost(p *types.Payload, u *types.PhysicalModel, minOutputTokens int) float64 {
	if u.PriceInput == 0 && u.PriceOutput == 0 {
		return 0
	}
	in, out := e.EstimateTokens(p, minOutputTokens)
	return float64(in)/1e6*u.PriceInput + float64(out)/1e6*u.PriceOutput
}
