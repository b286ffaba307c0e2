package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

type SubscriberConfig struct {
	MaxRetries          int
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	PrefetchCount       int
}

func DefaultSubscriberConfig() *SubscriberConfig {
	return &SubscriberConfig{
		MaxRetries:          DefaultMaxRetries,
		ReconnectBackoff:    DefaultReconnectBackoff,
		MaxReconnectBackoff: DefaultMaxReconnectBackoff,
		PrefetchCount:       4,
	}
}

// RabbitMQSubscriber consumes popstack request queues and dispatches each
// delivery to the listener registered for its event type.
type RabbitMQSubscriber struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	url             string
	logger          logger.Logger
	config          SubscriberConfig
	listeners       map[string]interfaces.EventListener
	listenerMutex   sync.RWMutex
	done            chan struct{}
	closeOnce       sync.Once
}

func NewRabbitMQSubscriber(rabbitmqURL string, log logger.Logger, config *SubscriberConfig) (*RabbitMQSubscriber, error) {
	if config == nil {
		config = DefaultSubscriberConfig()
	}

	subscriber := &RabbitMQSubscriber{
		url:       rabbitmqURL,
		logger:    log,
		config:    *config,
		listeners: make(map[string]interfaces.EventListener),
		done:      make(chan struct{}),
	}

	if err := subscriber.connect(); err != nil {
		return nil, err
	}
	return subscriber, nil
}

func (r *RabbitMQSubscriber) RegisterListener(listener interfaces.EventListener) {
	r.listenerMutex.Lock()
	defer r.listenerMutex.Unlock()

	eventType := listener.GetEventType()
	r.listeners[eventType] = listener
	r.logger.Infof("Registered listener for event type: %s on queue: %s", eventType, listener.GetQueueName())
}

func (r *RabbitMQSubscriber) ListenQueue(queueName string) error {
	return r.listen(queueName, false)
}

// ListenQueueExclusive consumes queueName as its only consumer.
func (r *RabbitMQSubscriber) ListenQueueExclusive(queueName string) error {
	return r.listen(queueName, true)
}

func (r *RabbitMQSubscriber) listen(queueName string, exclusive bool) error {
	go func() {
		for {
			select {
			case <-r.done:
				return
			default:
			}

			retry := r.consume(queueName, exclusive)
			select {
			case <-r.done:
				return
			case <-time.After(retry):
			}
		}
	}()
	return nil
}

// consume runs one consumer until its channel closes and returns how long
// to wait before trying again.
func (r *RabbitMQSubscriber) consume(queueName string, exclusive bool) time.Duration {
	conn := r.currentConnection()
	if conn == nil || conn.IsClosed() {
		return 5 * time.Second
	}

	channel, err := conn.Channel()
	if err != nil {
		r.logger.Errorf("Failed to open channel for queue %s: %v. Retrying...", queueName, err)
		return 5 * time.Second
	}
	defer channel.Close()

	if r.config.PrefetchCount > 0 {
		if err = channel.Qos(r.config.PrefetchCount, 0, false); err != nil {
			r.logger.Errorf("Failed to set prefetch on queue %s: %v", queueName, err)
			return 5 * time.Second
		}
	}

	msgs, err := channel.Consume(
		queueName,
		"",        // consumer tag
		false,     // auto-ack
		exclusive, // exclusive
		false,     // no-local
		false,     // no-wait
		nil,
	)
	if err != nil {
		if exclusive && strings.Contains(err.Error(), "ACCESS_REFUSED") {
			r.logger.Warnf("Exclusive consumer conflict for queue %s. Only one instance can consume exclusively.", queueName)
			return 10 * time.Second
		}
		r.logger.Errorf("Failed to register consumer on queue %s: %v. Retrying...", queueName, err)
		return 5 * time.Second
	}

	r.logger.Infof("Listening for messages on queue %s", queueName)
	for d := range msgs {
		r.handleMessage(d, queueName)
	}

	r.logger.Warnf("Connection lost for queue %s. Reconnecting...", queueName)
	return 5 * time.Second
}

func (r *RabbitMQSubscriber) handleMessage(d amqp091.Delivery, queueName string) {
	defer tracing.RecoverAndLogToJaeger(r.logger)

	if err := r.processMessage(d, queueName); err != nil {
		r.logger.Errorf("Failed to process message on queue %s: %v", queueName, err)
		r.retryAckNack(d, false)
		return
	}
	r.retryAckNack(d, true)
}

func (r *RabbitMQSubscriber) processMessage(d amqp091.Delivery, queueName string) error {
	var event dto.Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		return errors.Wrap(err, "failed to unmarshal message")
	}

	ctx := utils.WithCustomContext(context.Background(), &utils.CustomContext{
		AppSource: event.Metadata.AppSource,
		AccountId: event.Event.AccountId,
		UserId:    event.Metadata.UserId,
	})

	ctx, span := tracing.StartRabbitMQMessageTracerSpanWithHeader(ctx, "RabbitMQSubscriber.ProcessMessage", event.Metadata.UberTraceId)
	defer span.Finish()
	span.LogKV("event_type", event.Event.EventType, "queue_name", queueName)

	r.listenerMutex.RLock()
	listener, exists := r.listeners[event.Event.EventType]
	r.listenerMutex.RUnlock()

	if !exists {
		r.logger.Infof("No listener found for event type: %s on queue: %s", event.Event.EventType, queueName)
		return nil
	}
	if listener.GetQueueName() != queueName {
		r.logger.Warnf("Event type %s received on wrong queue. Expected %s, got %s",
			event.Event.EventType, listener.GetQueueName(), queueName)
		return nil
	}

	err := listener.Handle(ctx, event)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (r *RabbitMQSubscriber) currentConnection() *amqp091.Connection {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	return r.connection
}

func (r *RabbitMQSubscriber) connect() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to RabbitMQ")
	}
	r.connection = conn

	go r.handleReconnection(conn)
	return nil
}

func (r *RabbitMQSubscriber) handleReconnection(conn *amqp091.Connection) {
	closeErr, ok := <-conn.NotifyClose(make(chan *amqp091.Error, 1))
	if !ok || closeErr == nil {
		return
	}
	r.logger.Warnf("RabbitMQ connection closed: %v, attempting to reconnect", closeErr)

	backoff := r.config.ReconnectBackoff
	for {
		select {
		case <-r.done:
			return
		default:
		}
		if err := r.connect(); err == nil {
			r.logger.Info("Subscriber reconnected to RabbitMQ")
			return
		} else {
			r.logger.Errorf("Failed to reconnect: %v, retrying in %v", err, backoff)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > r.config.MaxReconnectBackoff {
			backoff = r.config.MaxReconnectBackoff
		}
	}
}

func (r *RabbitMQSubscriber) retryAckNack(d amqp091.Delivery, ack bool) {
	retryDelay := 100 * time.Millisecond
	for i := 0; i < r.config.MaxRetries; i++ {
		var err error
		if ack {
			err = d.Ack(false)
		} else {
			err = d.Nack(false, false)
		}
		if err == nil {
			return
		}
		time.Sleep(retryDelay)
	}

	r.logger.Errorf("Failed to %s message after %d attempts",
		map[bool]string{true: "acknowledge", false: "negative acknowledge"}[ack], r.config.MaxRetries)
}

func (r *RabbitMQSubscriber) Close() error {
	r.closeOnce.Do(func() { close(r.done) })

	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	if r.connection != nil && !r.connection.IsClosed() {
		return r.connection.Close()
	}
	return nil
}
