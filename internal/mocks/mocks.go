package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"party-service/internal/models"
	"party-service/internal/repositories"
)

type PartyRepositoryMock struct {
	mock.Mock
}

func (m *PartyRepositoryMock) CreateParty(ctx context.Context, ownerID int, name string) (models.Party, error) {
	args := m.Called(ctx, ownerID, name)
	var party models.Party
	if val := args.Get(0); val != nil {
		party = val.(models.Party)
	}
	return party, args.Error(1)
}

func (m *PartyRepositoryMock) GetParty(ctx context.Context, partyID int) (models.Party, error) {
	args := m.Called(ctx, partyID)
	var party models.Party
	if val := args.Get(0); val != nil {
		party = val.(models.Party)
	}
	return party, args.Error(1)
}

func (m *PartyRepositoryMock) ListPartiesForUser(ctx context.Context, userID int) ([]models.Party, error) {
	args := m.Called(ctx, userID)
	var list []models.Party
	if val := args.Get(0); val != nil {
		list = val.([]models.Party)
	}
	return list, args.Error(1)
}

func (m *PartyRepositoryMock) IsMember(ctx context.Context, partyID int, userID int) (bool, error) {
	args := m.Called(ctx, partyID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PartyRepositoryMock) AddMember(ctx context.Context, partyID int, userID int) (bool, error) {
	args := m.Called(ctx, partyID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PartyRepositoryMock) RemoveMember(ctx context.Context, partyID int, userID int) (bool, error) {
	args := m.Called(ctx, partyID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *PartyRepositoryMock) ArchiveParty(ctx context.Context, partyID int, ownerID int) error {
	args := m.Called(ctx, partyID, ownerID)
	return args.Error(0)
}

type LogRepositoryMock struct {
	mock.Mock
}

func (m *LogRepositoryMock) Append(ctx context.Context, partyID int, clientID string, entryType string, text string, authorID int) (models.LogEntry, bool, error) {
	args := m.Called(ctx, partyID, clientID, entryType, text, authorID)
	var entry models.LogEntry
	if val := args.Get(0); val != nil {
		entry = val.(models.LogEntry)
	}
	return entry, args.Bool(1), args.Error(2)
}

func (m *LogRepositoryMock) ReadSince(ctx context.Context, partyID int, cursor int64) ([]models.LogEntry, error) {
	args := m.Called(ctx, partyID, cursor)
	var entries []models.LogEntry
	if val := args.Get(0); val != nil {
		entries = val.([]models.LogEntry)
	}
	return entries, args.Error(1)
}

type StateRepositoryMock struct {
	mock.Mock
}

func (m *StateRepositoryMock) Get(ctx context.Context, partyID int) (models.PlaybackState, error) {
	args := m.Called(ctx, partyID)
	var state models.PlaybackState
	if val := args.Get(0); val != nil {
		state = val.(models.PlaybackState)
	}
	return state, args.Error(1)
}

func (m *StateRepositoryMock) Update(ctx context.Context, partyID int, isPlaying bool, currentTime float64, expectedVersion int64) (models.PlaybackState, error) {
	args := m.Called(ctx, partyID, isPlaying, currentTime, expectedVersion)
	var state models.PlaybackState
	if val := args.Get(0); val != nil {
		state = val.(models.PlaybackState)
	}
	return state, args.Error(1)
}

var _ repositories.PartyRepository = (*PartyRepositoryMock)(nil)
var _ repositories.LogRepository = (*LogRepositoryMock)(nil)
var _ repositories.StateRepository = (*StateRepositoryMock)(nil)
