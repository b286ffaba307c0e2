package events

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/rabbitmq/amqp091-go"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/internal/enum"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/internal/tracing"
	"github.com/customeros/popstack/internal/utils"
)

const (
	ExchangePopstackDirect = "popstack-direct"
	ExchangePopstackEvents = "popstack-events"
	ExchangeDeadLetter     = "dead-letter"

	// queues
	QueueSyncAccount   = "popstack-sync-account"
	QueueFetchEmail    = "popstack-fetch-email"
	QueueSendEmail     = "popstack-send-email"
	QueueAccountEvents = "popstack-account-events"

	// routing keys
	RoutingKeyDeadLetter  = "dead-letter"
	RoutingKeySyncAccount = "popstack-sync-account"
	RoutingKeyFetchEmail  = "popstack-fetch-email"
	RoutingKeySendEmail   = "popstack-send-email"

	AppSource = "popstack"

	DefaultMessageTTL          = 240 * time.Hour // after TTL message moves to DLQ
	DefaultMaxRetries          = 3
	DefaultPublishTimeout      = 5 * time.Second
	DefaultReconnectBackoff    = time.Second
	DefaultMaxReconnectBackoff = 30 * time.Second
)

func dlq(queue string) string {
	return queue + "-dlq"
}

type exchangeDecl struct {
	name string
	kind string
}

type queueBinding struct {
	queue      string
	exchange   string
	routingKey string
}

var (
	exchanges = []exchangeDecl{
		{ExchangeDeadLetter, "direct"},
		{ExchangePopstackEvents, "fanout"},
		{ExchangePopstackDirect, "direct"},
	}
	bindings = []queueBinding{
		{QueueAccountEvents, ExchangePopstackEvents, ""},
		{QueueSyncAccount, ExchangePopstackDirect, RoutingKeySyncAccount},
		{QueueFetchEmail, ExchangePopstackDirect, RoutingKeyFetchEmail},
		{QueueSendEmail, ExchangePopstackDirect, RoutingKeySendEmail},
	}
)

type PublisherConfig struct {
	MessageTTL          time.Duration
	MaxRetries          int
	PublishTimeout      time.Duration
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		MessageTTL:          DefaultMessageTTL,
		MaxRetries:          DefaultMaxRetries,
		PublishTimeout:      DefaultPublishTimeout,
		ReconnectBackoff:    DefaultReconnectBackoff,
		MaxReconnectBackoff: DefaultMaxReconnectBackoff,
	}
}

// RabbitMQPublisher publishes account status, activities and received
// email notifications. Every publish waits for a broker confirm.
type RabbitMQPublisher struct {
	connection      *amqp091.Connection
	connectionMutex sync.Mutex
	publishChannel  *amqp091.Channel
	publishMutex    sync.Mutex
	url             string
	logger          logger.Logger
	confirms        chan amqp091.Confirmation
	config          PublisherConfig
	closed          bool
}

func NewRabbitMQPublisher(rabbitmqURL string, log logger.Logger, config *PublisherConfig) (*RabbitMQPublisher, error) {
	if config == nil {
		config = DefaultPublisherConfig()
	}

	publisher := &RabbitMQPublisher{
		url:    rabbitmqURL,
		logger: log,
		config: *config,
	}

	if err := publisher.connect(); err != nil {
		return nil, err
	}
	return publisher, nil
}

func (r *RabbitMQPublisher) PublishAccountStatus(ctx context.Context, status dto.AccountStatusChanged) error {
	return r.publishEventOnExchange(ctx, status.AccountID, status.AccountID, enum.ACCOUNT, status, ExchangePopstackEvents, "")
}

func (r *RabbitMQPublisher) PublishActivity(ctx context.Context, activity dto.Activity) error {
	return r.publishEventOnExchange(ctx, activity.AccountID, activity.AccountID, enum.ACCOUNT, activity, ExchangePopstackEvents, "")
}

func (r *RabbitMQPublisher) PublishEmailReceived(ctx context.Context, event dto.EmailReceived) error {
	return r.publishEventOnExchange(ctx, event.AccountID, event.EmailID, enum.EMAIL, event, ExchangePopstackEvents, "")
}

// PublishDirectEvent routes a request to one of the popstack work queues.
func (r *RabbitMQPublisher) PublishDirectEvent(ctx context.Context, entityId string, entityType enum.EntityType, message interface{}, routingKey string) error {
	return r.publishEventOnExchange(ctx, utils.GetAccountIdFromContext(ctx), entityId, entityType, message, ExchangePopstackDirect, routingKey)
}

func (r *RabbitMQPublisher) connect() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()

	var err error
	r.connection, err = amqp091.Dial(r.url)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to RabbitMQ")
	}

	if err = r.setupTopology(); err != nil {
		return errors.Wrap(err, "Failed to setup exchanges and queues")
	}

	if err = r.setupPublishChannel(); err != nil {
		return errors.Wrap(err, "Failed to setup publish channel")
	}

	go r.handleReconnection(r.connection)

	return nil
}

func (r *RabbitMQPublisher) setupPublishChannel() error {
	channel, err := r.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "Failed to open publish channel")
	}

	if err = channel.Confirm(false); err != nil {
		channel.Close()
		return errors.Wrap(err, "Failed to enable publisher confirms")
	}

	r.confirms = channel.NotifyPublish(make(chan amqp091.Confirmation, 1))
	r.publishChannel = channel
	return nil
}

func (r *RabbitMQPublisher) handleReconnection(conn *amqp091.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp091.Error, 1))
	closeErr, ok := <-notifyClose
	if !ok || closeErr == nil {
		// graceful close
		return
	}
	r.logger.Warnf("RabbitMQ connection closed: %v, attempting to reconnect", closeErr)

	backoff := r.config.ReconnectBackoff
	for {
		r.connectionMutex.Lock()
		closed := r.closed
		r.connectionMutex.Unlock()
		if closed {
			return
		}

		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			return
		}

		r.logger.Errorf("Failed to reconnect: %v, retrying in %v", err, backoff)
		time.Sleep(backoff)

		backoff *= 2
		if backoff > r.config.MaxReconnectBackoff {
			backoff = r.config.MaxReconnectBackoff
		}
	}
}

func (r *RabbitMQPublisher) setupTopology() error {
	channel, err := r.connection.Channel()
	if err != nil {
		return errors.Wrap(err, "Failed to open channel for exchange/queue setup")
	}
	defer channel.Close()

	for _, ex := range exchanges {
		err = channel.ExchangeDeclare(
			ex.name,
			ex.kind,
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return errors.Wrapf(err, "Failed to declare exchange %s", ex.name)
		}
	}

	for _, b := range bindings {
		if err = r.declareQueueWithDLQ(channel, b.queue); err != nil {
			return err
		}
		if err = channel.QueueBind(b.queue, b.routingKey, b.exchange, false, nil); err != nil {
			return errors.Wrapf(err, "Failed to bind queue %s to exchange %s", b.queue, b.exchange)
		}
	}

	return nil
}

func (r *RabbitMQPublisher) declareQueueWithDLQ(channel *amqp091.Channel, queueName string) error {
	dlqName := dlq(queueName)
	if _, err := channel.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "Failed to declare DLQ %s", dlqName)
	}
	if err := channel.QueueBind(dlqName, RoutingKeyDeadLetter, ExchangeDeadLetter, false, nil); err != nil {
		return errors.Wrapf(err, "Failed to bind DLQ %s to exchange", dlqName)
	}

	args := amqp091.Table{
		"x-dead-letter-exchange":    ExchangeDeadLetter,
		"x-dead-letter-routing-key": RoutingKeyDeadLetter,
		"x-message-ttl":             r.config.MessageTTL.Milliseconds(),
	}
	if _, err := channel.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "Failed to declare queue %s", queueName)
	}
	return nil
}

func (r *RabbitMQPublisher) ensureConnectionAndChannel() error {
	if r.connection == nil || r.connection.IsClosed() {
		if err := r.connect(); err != nil {
			return errors.Wrap(err, "Failed to establish connection")
		}
	}

	if r.publishChannel == nil || r.publishChannel.IsClosed() {
		if err := r.setupPublishChannel(); err != nil {
			return errors.Wrap(err, "Failed to establish channel")
		}
	}

	return nil
}

func (r *RabbitMQPublisher) publishEventOnExchange(ctx context.Context, accountId, entityId string, entityType enum.EntityType, message interface{}, exchange, routingKey string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.PublishEventOnExchange")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagEntity(span, entityId)
	span.LogKV("exchange", exchange, "routingKey", routingKey)

	tracingData := tracing.ExtractTextMapCarrier(span.Context())

	eventMessage := dto.Event{
		Event: dto.EventDetails{
			Id:         utils.GenerateNanoIDWithPrefix("event", 21),
			AccountId:  accountId,
			EntityId:   entityId,
			EntityType: entityType,
			EventType:  EventTypeOf(message),
			Data:       message,
		},
		Metadata: dto.EventMetadata{
			UberTraceId: tracingData["uber-trace-id"],
			AppSource:   AppSource,
			UserId:      utils.GetUserIdFromContext(ctx),
			Timestamp:   utils.Now().Format(time.RFC3339),
		},
	}

	err := r.publishMessageOnExchange(ctx, eventMessage, exchange, routingKey)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (r *RabbitMQPublisher) publishMessageOnExchange(ctx context.Context, message interface{}, exchange, routingKey string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RabbitMQPublisher.PublishMessageOnExchange")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.LogObjectAsJson(span, "message", message)

	body, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "Failed to marshal message")
	}

	for attempt := 0; attempt < r.config.MaxRetries; attempt++ {
		err = r.publishWithConfirm(ctx, body, exchange, routingKey)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.logger.Warnf("Publish attempt %d failed: %v", attempt+1, err)
		if attempt < r.config.MaxRetries-1 {
			time.Sleep(time.Millisecond * 100 * time.Duration(attempt+1))
		}
	}

	return errors.Wrap(err, "Failed to publish message after all retries")
}

func (r *RabbitMQPublisher) publishWithConfirm(ctx context.Context, body []byte, exchange, routingKey string) error {
	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.ensureConnectionAndChannel(); err != nil {
		return err
	}

	err := r.publishChannel.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		true,  // mandatory
		false, // immediate
		amqp091.Publishing{
			DeliveryMode: amqp091.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        AppSource,
		})
	if err != nil {
		return errors.Wrap(err, "Failed to publish message")
	}

	select {
	case confirm := <-r.confirms:
		if !confirm.Ack {
			return errors.New("Message was not confirmed by server")
		}
	case <-time.After(r.config.PublishTimeout):
		return errors.New("Publish confirmation timeout")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// Close gracefully shuts down the publisher
func (r *RabbitMQPublisher) Close() error {
	r.connectionMutex.Lock()
	defer r.connectionMutex.Unlock()
	r.closed = true

	var err error
	if r.publishChannel != nil && !r.publishChannel.IsClosed() {
		if err = r.publishChannel.Close(); err != nil {
			r.logger.Errorf("Error closing publish channel: %v", err)
		}
	}

	if r.connection != nil && !r.connection.IsClosed() {
		if closeErr := r.connection.Close(); closeErr != nil {
			r.logger.Errorf("Error closing connection: %v", closeErr)
			if err == nil {
				err = closeErr
			}
		}
	}

	return err
}

// EventTypeOf names a payload by its Go type, the key subscribers route on.
func EventTypeOf(message interface{}) string {
	t := reflect.TypeOf(message)
	if t == nil {
		return ""
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
