package billing

import (
	"context"
	"fmt"
	"testing"

	"github.com/BaSui01/gateflow/types"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pgregory.net/rapid"
)

func newTestLedger(t *testing.T) *GormLedger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(AutoMigrateModels()...))
	return NewGormLedger(db, zap.NewNop())
}

func seedAccount(t *testing.T, l *GormLedger, key string, credits float64, frozen bool) {
	t.Helper()
	require.NoError(t, l.db.Create(&Account{APIKey: key, Credits: credits, Frozen: frozen}).Error)
}

func TestCheckAccountUsable(t *testing.T) {
	l := newTestLedger(t)
	seedAccount(t, l, "sk-good", 10.0, false)
	seedAccount(t, l, "sk-frozen", 10.0, true)
	seedAccount(t, l, "sk-empty", 0, false)
	seedAccount(t, l, "sk-overdrawn", -0.5, false)

	tests := []struct {
		name   string
		key    string
		usable bool
	}{
		{"healthy account", "sk-good", true},
		{"frozen account", "sk-frozen", false},
		{"zero credits", "sk-empty", false},
		{"overdrawn", "sk-overdrawn", false},
		{"unknown account", "sk-nope", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.CheckAccountUsable(context.Background(), tt.key)
			if tt.usable {
				assert.NoError(t, err)
				return
			}
			var ge *types.Error
			require.ErrorAs(t, err, &ge)
			assert.Equal(t, types.ErrAccountUnusable, ge.Code)
			assert.Equal(t, 402, ge.HTTPStatus)
		})
	}
}

func TestRecordDebitDeductsCredits(t *testing.T) {
	l := newTestLedger(t)
	seedAccount(t, l, "sk-user", 5.0, false)

	err := l.RecordDebit(context.Background(), TxnDebit, Usage{
		APIKey:         "sk-user",
		IdempotencyKey: "req-1",
		Provider:       "openai-main",
		Model:          "gpt-4o",
		InputTokens:    1000,
		OutputTokens:   500,
		Cost:           0.0125,
	})
	require.NoError(t, err)

	var acct Account
	require.NoError(t, l.db.Where("api_key = ?", "sk-user").First(&acct).Error)
	assert.InDelta(t, 5.0-0.0125, acct.Credits, 1e-9)

	var txn CreditTransaction
	require.NoError(t, l.db.Where("idempotency_key = ?", "req-1").First(&txn).Error)
	assert.Equal(t, TxnDebit, txn.Kind)
	assert.Equal(t, 1000, txn.InputTokens)
}

func TestRecordDebitIdempotent(t *testing.T) {
	l := newTestLedger(t)
	seedAccount(t, l, "sk-user", 5.0, false)

	u := Usage{APIKey: "sk-user", IdempotencyKey: "req-dup", Cost: 1.0}
	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordDebit(context.Background(), TxnDebit, u))
	}

	var acct Account
	require.NoError(t, l.db.Where("api_key = ?", "sk-user").First(&acct).Error)
	assert.InDelta(t, 4.0, acct.Credits, 1e-9)

	var count int64
	require.NoError(t, l.db.Model(&CreditTransaction{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRecordDebitRequiresIdempotencyKey(t *testing.T) {
	l := newTestLedger(t)
	assert.Error(t, l.RecordDebit(context.Background(), TxnDebit, Usage{APIKey: "sk-x"}))
}

func TestPrechargeThenReconcile(t *testing.T) {
	l := newTestLedger(t)
	seedAccount(t, l, "sk-stream", 10.0, false)

	// 预扣估算上限，再用真实用量对账（负数退款）
	require.NoError(t, l.RecordDebit(context.Background(), TxnPrecharge, Usage{
		APIKey: "sk-stream", IdempotencyKey: "req-s:pre", Cost: 2.0,
	}))
	require.NoError(t, l.RecordDebit(context.Background(), TxnReconcile, Usage{
		APIKey: "sk-stream", IdempotencyKey: "req-s:rec", Cost: -0.7,
	}))

	var acct Account
	require.NoError(t, l.db.Where("api_key = ?", "sk-stream").First(&acct).Error)
	assert.InDelta(t, 10.0-2.0+0.7, acct.Credits, 1e-9)
}

func TestDebitBalanceInvariant(t *testing.T) {
	// 余额 = 初始额度 − 全部流水之和，任意扣费序列下成立
	rapid.Check(t, func(rt *rapid.T) {
		l := newTestLedger(t)
		seedAccount(t, l, "sk-prop", 100.0, false)

		n := rapid.IntRange(1, 12).Draw(rt, "n")
		var total float64
		for i := 0; i < n; i++ {
			cost := rapid.Float64Range(-1, 5).Draw(rt, fmt.Sprintf("cost%d", i))
			require.NoError(rt, l.RecordDebit(context.Background(), TxnDebit, Usage{
				APIKey:         "sk-prop",
				IdempotencyKey: fmt.Sprintf("prop-%d", i),
				Cost:           cost,
			}))
			total += cost
		}

		var acct Account
		require.NoError(rt, l.db.Where("api_key = ?", "sk-prop").First(&acct).Error)
		assert.InDelta(rt, 100.0-total, acct.Credits, 1e-6)
	})
}

func TestCheckAccountPassesThroughOnDBOutage(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM `gf_accounts`").
		WillReturnError(fmt.Errorf("connection refused"))

	l := NewGormLedger(db, zap.NewNop())
	assert.NoError(t, l.CheckAccountUsable(context.Background(), "sk-any"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpstreamUsage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		in, out int
		ok      bool
	}{
		{"openai shape", `{"usage":{"prompt_tokens":12,"completion_tokens":34}}`, 12, 34, true},
		{"claude shape", `{"usage":{"input_tokens":5,"output_tokens":9}}`, 5, 9, true},
		{"missing usage", `{"choices":[]}`, 0, 0, false},
		{"not json", `<html>`, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, ok := UpstreamUsage([]byte(tt.body))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.in, in)
			assert.Equal(t, tt.out, out)
		})
	}
}
