// Package billing 额度台账钩子：请求前校验账户可用，完成后扣费。
//
// 非流式请求按上游返回的 usage 扣费；流式请求在转发前按估算上限
// 预扣，流结束后用真实用量对账。所有写入携带幂等键，重放不重复扣费。
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/gateflow/types"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 交易类型
const (
	TxnDebit     = "debit"     // 非流式按实际用量扣费
	TxnPrecharge = "precharge" // 流式转发前按估算预扣
	TxnReconcile = "reconcile" // 流结束后的差额对账
)

// Account 账户额度，表 gf_accounts。以 API Key 为账户主键。
type Account struct {
	ID      uint    `gorm:"primaryKey"`
	APIKey  string  `gorm:"uniqueIndex;size:128"`
	Credits float64 // 剩余额度（USD）
	Frozen  bool    // 冻结账户直接拒绝

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName 指定表名
func (Account) TableName() string { return "gf_accounts" }

// CreditTransaction 扣费流水，表 gf_credit_transactions。
// IdempotencyKey 唯一约束保证重试不会二次扣费。
type CreditTransaction struct {
	ID             uint   `gorm:"primaryKey"`
	APIKey         string `gorm:"index;size:128"`
	IdempotencyKey string `gorm:"uniqueIndex;size:128"`
	Kind           string `gorm:"size:16"`
	Amount         float64
	Provider       string `gorm:"size:64"`
	Model          string `gorm:"size:128"`
	InputTokens    int
	OutputTokens   int

	CreatedAt time.Time
}

// TableName 指定表名
func (CreditTransaction) TableName() string { return "gf_credit_transactions" }

// AutoMigrateModels 返回 billing 拥有的全部 GORM 模型，供迁移使用。
func AutoMigrateModels() []any {
	return []any{&Account{}, &CreditTransaction{}}
}

// Usage 一次请求的计费事实。
type Usage struct {
	APIKey         string
	IdempotencyKey string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	Cost           float64
}

// Ledger 额度台账。
type Ledger interface {
	// CheckAccountUsable 账户不存在、被冻结或额度耗尽时返回 402 错误。
	CheckAccountUsable(ctx context.Context, apiKey string) error
	// RecordDebit 扣除一笔费用；幂等键已存在时静默跳过。
	RecordDebit(ctx context.Context, kind string, u Usage) error
}

// GormLedger 基于 GORM 的台账实现。额度允许透支为负：
// 扣费失败不应让已完成的上游调用白白丢弃，下一次请求前的
// 可用性校验会把透支账户挡下来。
type GormLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLedger 创建 GORM 台账。
func NewGormLedger(db *gorm.DB, logger *zap.Logger) *GormLedger {
	return &GormLedger{
		db:     db,
		logger: logger.With(zap.String("component", "billing")),
	}
}

// DB 暴露底层连接，供账户管理与测试使用。
func (l *GormLedger) DB() *gorm.DB { return l.db }

// ErrAccountUnusable 构造 402 错误。
func accountUnusable(reason string) error {
	return types.NewError(types.ErrAccountUnusable, reason).WithHTTPStatus(402)
}

func (l *GormLedger) CheckAccountUsable(ctx context.Context, apiKey string) error {
	var acct Account
	err := l.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&acct).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return accountUnusable("account not found")
	case err != nil:
		// 台账库不可用时放行：计费是约束，不是单点
		l.logger.Warn("account lookup failed, passing through", zap.Error(err))
		return nil
	case acct.Frozen:
		return accountUnusable("account frozen")
	case acct.Credits <= 0:
		return accountUnusable("insufficient credits")
	}
	return nil
}

func (l *GormLedger) RecordDebit(ctx context.Context, kind string, u Usage) error {
	if u.IdempotencyKey == "" {
		return errors.New("billing: idempotency key required")
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn := CreditTransaction{
			APIKey:         u.APIKey,
			IdempotencyKey: u.IdempotencyKey,
			Kind:           kind,
			Amount:         u.Cost,
			Provider:       u.Provider,
			Model:          u.Model,
			InputTokens:    u.InputTokens,
			OutputTokens:   u.OutputTokens,
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&txn)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 重放：流水已存在，不再动余额
			return nil
		}
		return tx.Model(&Account{}).
			Where("api_key = ?", u.APIKey).
			UpdateColumn("credits", gorm.Expr("credits - ?", u.Cost)).Error
	})
}

// UpstreamUsage 从上游响应体解析真实 token 用量。
// 兼容 openai（prompt/completion_tokens）与 claude（input/output_tokens）
// 两种 usage 形态；解析失败时返回 false，由调用方回退估算值。
func UpstreamUsage(body []byte) (input, output int, ok bool) {
	var envelope struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, 0, false
	}
	u := envelope.Usage
	if u.PromptTokens > 0 || u.CompletionTokens > 0 {
		return u.PromptTokens, u.CompletionTokens, true
	}
	if u.InputTokens > 0 || u.OutputTokens > 0 {
		return u.InputTokens, u.OutputTokens, true
	}
	return 0, 0, false
}

// NopLedger 计费关闭时的空实现。
type NopLedger struct{}

func (NopLedger) CheckAccountUsable(context.Context, string) error { return nil }
func (NopLedger) RecordDebit(context.Context, string, Usage) error { return nil }
