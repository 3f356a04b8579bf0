package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"earnedvalue/pkg/trace"
)

const (
	DLQExchangeName = "progress.events.dlq"
)

// DLQName 死信队列名：<routing_key>.dlq
func DLQName(routingKey string) string {
	return routingKey + ".dlq"
}

// declareDLQ 为 routing key 声明并绑定死信队列
func declareDLQ(ch *amqp091.Channel, routingKey string) error {
	q, err := ch.QueueDeclare(DLQName(routingKey), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare dlq queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind dlq queue: %w", err)
	}
	return nil
}

// PublishToDLQ 把无法处理的消息原样投递到死信 exchange，附带失败原因和 trace_id
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError string) error {
	headers := amqp091.Table{
		"x-original-error":       originalError,
		"x-original-routing-key": routingKey,
		"x-failed-at":            time.Now().UTC().Format(time.RFC3339),
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		headers["trace_id"] = traceID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("publish to dlq %s: channel closed", routingKey)
	}
	return p.channel.PublishWithContext(ctx, DLQExchangeName, routingKey, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers:      headers,
		},
	)
}
