package telemetry_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"party-service/internal/mocks"
	"party-service/internal/telemetry"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.party", mock.AnythingOfType("telemetry.AuditEnvelope")).Return(nil)

	emitter := telemetry.NewAuditEmitter(publisher, "audit.party", "party-service", "test")

	userID := 42
	partyID := 7
	emitter.Emit(context.Background(), "info", "user joined", "req-123", &userID, &partyID)

	publisher.AssertExpectations(t)

	call := publisher.Calls[0]
	envelope, ok := call.Arguments.Get(2).(telemetry.AuditEnvelope)
	require.True(t, ok)
	assert.Equal(t, 1, envelope.SchemaVersion)
	assert.Equal(t, "audit_log", envelope.EventType)
	assert.Equal(t, "party-service", envelope.Service)
	assert.Equal(t, "test", envelope.Environment)
	assert.Equal(t, "req-123", envelope.RequestID)
	require.NotNil(t, envelope.UserID)
	assert.Equal(t, 42, *envelope.UserID)
	require.NotNil(t, envelope.PartyID)
	assert.Equal(t, 7, *envelope.PartyID)
	assert.Equal(t, "info", envelope.Payload.Level)
	assert.Equal(t, "user joined", envelope.Payload.Text)
	assert.NotEmpty(t, envelope.OccurredAt)
}

func TestEmitOmitsOptionalIDs(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.party", mock.Anything).Return(nil)

	emitter := telemetry.NewAuditEmitter(publisher, "audit.party", "party-service", "test")
	emitter.Emit(context.Background(), "warn", "anonymous action", "req-456", nil, nil)

	publisher.AssertExpectations(t)

	envelope := publisher.Calls[0].Arguments.Get(2).(telemetry.AuditEnvelope)
	assert.Nil(t, envelope.UserID)
	assert.Nil(t, envelope.PartyID)
}

func TestEmitSwallowsPublishError(t *testing.T) {
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.party", mock.Anything).Return(errors.New("broker down"))

	emitter := telemetry.NewAuditEmitter(publisher, "audit.party", "party-service", "test")

	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "error", "still emitted", "req-789", nil, nil)
	})
	publisher.AssertExpectations(t)
}

func TestEmitNilEmitterIsNoop(t *testing.T) {
	var emitter *telemetry.AuditEmitter
	assert.NotPanics(t, func() {
		emitter.Emit(context.Background(), "info", "ignored", "req-000", nil, nil)
	})
}
