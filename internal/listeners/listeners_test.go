package listeners

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/customeros/popstack/dto"
	"github.com/customeros/popstack/interfaces"
	"github.com/customeros/popstack/internal/enum"
	er "github.com/customeros/popstack/internal/errors"
	"github.com/customeros/popstack/internal/logger"
	"github.com/customeros/popstack/services/events"
	"github.com/customeros/popstack/services/pop"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) SyncAccount(ctx context.Context, accountID string, force bool) error {
	args := m.Called(ctx, accountID, force)
	return args.Error(0)
}

func (m *mockSyncer) FetchEmail(ctx context.Context, accountID, emailID, partID string, auto bool) (*pop.Request, error) {
	args := m.Called(ctx, accountID, emailID, partID, auto)
	req, _ := args.Get(0).(*pop.Request)
	return req, args.Error(1)
}

type mockSubscriber struct {
	mock.Mock
	listeners []string
}

func (m *mockSubscriber) RegisterListener(listener interfaces.EventListener) {
	m.listeners = append(m.listeners, listener.GetEventType())
}

func (m *mockSubscriber) ListenQueue(queueName string) error {
	return m.Called(queueName).Error(0)
}

func (m *mockSubscriber) ListenQueueExclusive(queueName string) error {
	return m.Called(queueName).Error(0)
}

func (m *mockSubscriber) Close() error {
	return nil
}

type mockSmtp struct {
	mock.Mock
}

func (m *mockSmtp) Send(ctx context.Context, req dto.SendEmail) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// busEvent builds an event the way the subscriber hands it over: the payload
// has gone through a JSON round trip.
func busEvent(t *testing.T, entityID string, entityType enum.EntityType, payload any) dto.Event {
	t.Helper()
	raw, err := json.Marshal(dto.Event{
		Event: dto.EventDetails{
			Id:         "event_1",
			EntityId:   entityID,
			EntityType: entityType,
			EventType:  events.EventTypeOf(payload),
			Data:       payload,
		},
	})
	require.NoError(t, err)
	var event dto.Event
	require.NoError(t, json.Unmarshal(raw, &event))
	return event
}

func TestSyncAccountListener_Handle(t *testing.T) {
	// Arrange
	syncer := new(mockSyncer)
	syncer.On("SyncAccount", mock.Anything, "acct-1", true).Return(nil)
	listener := NewSyncAccountListener(getLogger(), syncer)
	event := busEvent(t, "acct-1", enum.ACCOUNT, dto.SyncAccount{AccountID: "acct-1", Force: true})

	// Act
	err := listener.Handle(context.Background(), event)

	// Assert
	require.NoError(t, err)
	syncer.AssertExpectations(t)
	assert.Equal(t, "SyncAccount", listener.GetEventType())
	assert.Equal(t, events.QueueSyncAccount, listener.GetQueueName())
}

func TestSyncAccountListener_UnknownAccountIsDropped(t *testing.T) {
	// Arrange
	syncer := new(mockSyncer)
	syncer.On("SyncAccount", mock.Anything, "acct-404", false).Return(er.ErrAccountNotFound)
	listener := NewSyncAccountListener(getLogger(), syncer)
	event := busEvent(t, "acct-404", enum.ACCOUNT, dto.SyncAccount{AccountID: "acct-404"})

	// Act
	err := listener.Handle(context.Background(), event)

	// Assert
	assert.NoError(t, err)
	syncer.AssertExpectations(t)
}

func TestFetchEmailListener_TransientFailureIsReturned(t *testing.T) {
	// Arrange
	syncer := new(mockSyncer)
	syncer.On("FetchEmail", mock.Anything, "acct-1", "email-1", "", false).Return(nil, er.ErrSessionClosed)
	listener := NewFetchEmailListener(getLogger(), syncer)
	event := busEvent(t, "email-1", enum.EMAIL, dto.FetchEmail{AccountID: "acct-1", EmailID: "email-1"})

	// Act
	err := listener.Handle(context.Background(), event)

	// Assert
	assert.ErrorIs(t, err, er.ErrSessionClosed)
}

func TestSendEmailListener_Handle(t *testing.T) {
	// Arrange
	smtp := new(mockSmtp)
	request := dto.SendEmail{AccountID: "acct-1", To: []string{"alice@example.org"}, Subject: "hi", BodyText: "hello"}
	smtp.On("Send", mock.Anything, request).Return("<id@example.com>", nil)
	listener := NewSendEmailListener(getLogger(), smtp)
	event := busEvent(t, "acct-1", enum.EMAIL, request)

	// Act
	err := listener.Handle(context.Background(), event)

	// Assert
	require.NoError(t, err)
	smtp.AssertExpectations(t)
}

func TestListener_RejectsMalformedEvent(t *testing.T) {
	listener := NewSendEmailListener(getLogger(), new(mockSmtp))

	err := listener.Handle(context.Background(), dto.Event{Event: dto.EventDetails{EventType: "SendEmail"}})

	assert.Error(t, err)
}

func TestRegister_ExclusivePopQueues(t *testing.T) {
	// Arrange
	subscriber := new(mockSubscriber)
	subscriber.On("ListenQueueExclusive", events.QueueSyncAccount).Return(nil)
	subscriber.On("ListenQueueExclusive", events.QueueFetchEmail).Return(nil)
	subscriber.On("ListenQueue", events.QueueSendEmail).Return(nil)

	// Act
	err := Register(getLogger(), subscriber, new(mockSyncer), new(mockSmtp), true)

	// Assert
	require.NoError(t, err)
	subscriber.AssertExpectations(t)
	assert.ElementsMatch(t, []string{"SyncAccount", "FetchEmail", "SendEmail"}, subscriber.listeners)
}

func TestRegister_SharedQueues(t *testing.T) {
	subscriber := new(mockSubscriber)
	subscriber.On("ListenQueue", mock.Anything).Return(nil)

	err := Register(getLogger(), subscriber, new(mockSyncer), new(mockSmtp), false)

	require.NoError(t, err)
	subscriber.AssertNumberOfCalls(t, "ListenQueue", 3)
	subscriber.AssertNotCalled(t, "ListenQueueExclusive", mock.Anything)
}
