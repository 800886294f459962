// Package audit 请求审计钩子：把每次路由决策异步落到 MongoDB。
// 审计写入尽力而为，落库失败只记日志，绝不影响请求链路。
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/BaSui01/gateflow/config"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
)

// Entry 一条审计记录。
type Entry struct {
	RequestID    string    `bson:"request_id"`
	APIKeyHash   string    `bson:"api_key_hash"`
	LogicalModel string    `bson:"logical_model"`
	Provider     string    `bson:"provider"`
	Model        string    `bson:"model"`
	APIStyle     string    `bson:"api_style"`
	Stream       bool      `bson:"stream"`
	StatusCode   int       `bson:"status_code"`
	ErrorCode    string    `bson:"error_code,omitempty"`
	Attempted    int       `bson:"attempted"`
	Skipped      int       `bson:"skipped"`
	InputTokens  int       `bson:"input_tokens,omitempty"`
	OutputTokens int       `bson:"output_tokens,omitempty"`
	LatencyMs    int64     `bson:"latency_ms"`
	Timestamp    time.Time `bson:"timestamp"`
}

// Sink 审计落点。Record 不允许阻塞调用方。
type Sink interface {
	Record(entry Entry)
	Close(ctx context.Context) error
}

// NopSink 审计关闭时的空实现。
type NopSink struct{}

func (NopSink) Record(Entry)                {}
func (NopSink) Close(context.Context) error { return nil }

// MongoSink 异步写 MongoDB 的审计落点。
// 队列满时丢弃最新记录并计数。
type MongoSink struct {
	coll    *mongo.Collection
	client  *mongo.Client
	logger  *zap.Logger
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

const auditQueueSize = 1024

// NewMongoSink 连接 MongoDB 并启动后台写入循环。
func NewMongoSink(cfg config.AuditConfig, logger *zap.Logger) (*MongoSink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, err
	}
	database := cfg.MongoDatabase
	if database == "" {
		database = "gateflow"
	}
	collection := cfg.MongoCollection
	if collection == "" {
		collection = "audit_log"
	}
	s := &MongoSink{
		coll:   client.Database(database).Collection(collection),
		client: client,
		logger: logger.With(zap.String("component", "audit")),
		queue:  make(chan Entry, auditQueueSize),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *MongoSink) loop() {
	defer close(s.done)
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.coll.InsertOne(ctx, entry); err != nil {
			s.logger.Warn("audit insert failed",
				zap.String("request_id", entry.RequestID), zap.Error(err))
		}
		cancel()
	}
}

// Record 入队一条审计记录；队列满则丢弃。
func (s *MongoSink) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case s.queue <- entry:
	default:
		s.dropped.Add(1)
		s.logger.Warn("audit queue full, entry dropped",
			zap.String("request_id", entry.RequestID))
	}
}

// Close 排空队列并断开连接。
func (s *MongoSink) Close(ctx context.Context) error {
	close(s.queue)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.client.Disconnect(ctx)
}

// HashAPIKey 返回 API Key 的 sha256 前缀，审计记录不落明文密钥。
func HashAPIKey(key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// NewFromConfig 按配置构建审计落点；未启用时返回 NopSink。
func NewFromConfig(cfg config.AuditConfig, logger *zap.Logger) (Sink, error) {
	if !cfg.Enabled || cfg.MongoURI == "" {
		return NopSink{}, nil
	}
	return NewMongoSink(cfg, logger)
}
