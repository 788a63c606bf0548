// Package events 提供了将聊天交互事件发布到 Kafka 的功能。
// 事件仅用于下游分析消费，发布失败不影响主流程。
package events

import (
	"context"
	"encoding/json"
	"time"

	"marhaba-chat-go/internal/config"
	"marhaba-chat-go/pkg/log"

	"github.com/segmentio/kafka-go"
)

// ExchangeEvent 表示一条已持久化的问答交互。
type ExchangeEvent struct {
	ExchangeID     uint      `json:"exchange_id"`
	UserID         uint      `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	ModelName      string    `json:"model_name"`
	Intent         string    `json:"intent,omitempty"`
	Language       string    `json:"language"`
	CreatedAt      time.Time `json:"created_at"`
}

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。brokers 为空时跳过，事件发布退化为 no-op。
func InitProducer(cfg config.KafkaConfig) {
	if cfg.Brokers == "" {
		log.Info("Kafka brokers 未配置，交互事件发布已禁用")
		return
	}
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// PublishExchange 发布一条交互事件。未初始化时直接返回 nil。
func PublishExchange(ctx context.Context, event ExchangeEvent) error {
	if producer == nil {
		return nil
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return producer.WriteMessages(ctx, kafka.Message{Value: eventBytes})
}

// Close 关闭生产者连接。
func Close() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Error("关闭 Kafka 生产者失败", err)
		}
	}
}
