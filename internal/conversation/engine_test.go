package conversation

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/service"
)

// MockSessionRepository is a mock implementation of repository.SessionRepository.
type MockSessionRepository struct {
	mock.Mock
}

func (m *MockSessionRepository) Get(ctx context.Context, userID int64, platform models.Platform) (*models.ConversationSession, error) {
	args := m.Called(ctx, userID, platform)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ConversationSession), args.Error(1)
}

func (m *MockSessionRepository) Upsert(ctx context.Context, s *models.ConversationSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepository) Delete(ctx context.Context, userID int64, platform models.Platform) error {
	args := m.Called(ctx, userID, platform)
	return args.Error(0)
}

// stubStationService satisfies the one station call the menu rendering makes;
// everything else panics via the embedded nil interface.
type stubStationService struct {
	service.StationService
}

func (stubStationService) StationsDispatchedBy(context.Context, int64) ([]*models.Station, error) {
	return nil, nil
}

func testEngine(sessions *MockSessionRepository) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(sessions, Deps{Stations: stubStationService{}, Logger: logger}, logger)
}

func session(state string, data map[string]any) *models.ConversationSession {
	if data == nil {
		data = map[string]any{}
	}
	return &models.ConversationSession{
		UserID:       1,
		Platform:     models.PlatformBot,
		CurrentState: state,
		ContextData:  data,
	}
}

func TestHandleFreshUserStart(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	sessions.On("Get", ctx, int64(1), models.PlatformBot).Return(nil, nil)
	sessions.On("Upsert", ctx, mock.MatchedBy(func(s *models.ConversationSession) bool {
		return s.CurrentState == SenderCollectName
	})).Return(nil)

	e := testEngine(sessions)
	user := &models.User{ID: 1, Platform: models.PlatformBot, Role: models.RoleSender}

	reply, err := e.Handle(ctx, user, Input{Text: "/start"})
	require.NoError(t, err)
	assert.Equal(t, SenderCollectName, reply.NewState)
	assert.NotEmpty(t, reply.Text)
	sessions.AssertExpectations(t)
}

func TestHandleRestartConfirmsWhenMediaUploaded(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	sessions.On("Get", ctx, int64(1), models.PlatformBot).Return(
		session(CourierVehicleCategory, map[string]any{
			"id_document_ref": "file-123",
			"selfie_ref":      "file-456",
		}), nil)
	sessions.On("Upsert", ctx, mock.MatchedBy(func(s *models.ConversationSession) bool {
		return s.CurrentState == CourierConfirmRestart &&
			s.ContextData["resume_state"] == CourierVehicleCategory &&
			s.ContextData["id_document_ref"] == "file-123"
	})).Return(nil)

	e := testEngine(sessions)
	user := &models.User{ID: 1, Platform: models.PlatformBot, Name: "דני", Role: models.RoleSender}

	reply, err := e.Handle(ctx, user, Input{Text: "/start"})
	require.NoError(t, err)
	assert.Equal(t, CourierConfirmRestart, reply.NewState)
	assert.Len(t, reply.Keyboard, 1)
	sessions.AssertExpectations(t)
}

func TestHandleMenuKeywordSuppressedMidFlow(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	// Mid-wizard, "menu" is data (an address word), not navigation: the
	// sender flow advances instead of jumping to the menu.
	sessions.On("Get", ctx, int64(1), models.PlatformBot).Return(
		session(SenderPickupCity, nil), nil)
	sessions.On("Upsert", ctx, mock.MatchedBy(func(s *models.ConversationSession) bool {
		return s.CurrentState != SenderMenu
	})).Return(nil)

	e := testEngine(sessions)
	user := &models.User{ID: 1, Platform: models.PlatformBot, Name: "דני", Role: models.RoleSender}

	reply, err := e.Handle(ctx, user, Input{Text: "menu"})
	require.NoError(t, err)
	assert.NotEqual(t, SenderMenu, reply.NewState)
	sessions.AssertExpectations(t)
}

func TestHandleMenuKeywordFromMenuState(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	sessions.On("Get", ctx, int64(1), models.PlatformBot).Return(
		session(CourierMenu, nil), nil)
	sessions.On("Upsert", ctx, mock.Anything).Return(nil)

	e := testEngine(sessions)
	user := &models.User{ID: 1, Platform: models.PlatformBot, Name: "דני", Role: models.RoleCourier}

	reply, err := e.Handle(ctx, user, Input{Text: "תפריט"})
	require.NoError(t, err)
	assert.Equal(t, CourierMenu, reply.NewState)
}

func TestTransitionToRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	e := testEngine(sessions)

	sess := session(SenderPickupCity, nil)
	err := e.TransitionTo(ctx, sess, CourierMenu, nil, false)
	assert.True(t, apperr.Is(err, apperr.ErrInvalidStateTransition))
	sessions.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything)
}

func TestPersistContextMerge(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	var saved *models.ConversationSession
	sessions.On("Upsert", ctx, mock.Anything).Run(func(args mock.Arguments) {
		saved = args.Get(1).(*models.ConversationSession)
	}).Return(nil)

	e := testEngine(sessions)
	sess := session(SenderPickupCity, map[string]any{
		"pickup_city": "תל אביב",
		"draft":       "x",
	})

	err := e.TransitionTo(ctx, sess, SenderPickupStreet, map[string]any{
		"pickup_street": "ביאליק",
		"draft":         nil,
	}, false)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "תל אביב", saved.ContextData["pickup_city"])
	assert.Equal(t, "ביאליק", saved.ContextData["pickup_street"])
	_, draftKept := saved.ContextData["draft"]
	assert.False(t, draftKept, "nil patch value must delete the key")
}

func TestForceStateSkipsValidation(t *testing.T) {
	ctx := context.Background()
	sessions := new(MockSessionRepository)
	sessions.On("Get", ctx, int64(1), models.PlatformBot).Return(
		session(SenderPickupCity, map[string]any{"pickup_city": "x"}), nil)
	sessions.On("Upsert", ctx, mock.MatchedBy(func(s *models.ConversationSession) bool {
		return s.CurrentState == CourierMenu && len(s.ContextData) == 0
	})).Return(nil)

	e := testEngine(sessions)
	err := e.ForceState(ctx, 1, models.PlatformBot, CourierMenu, true)
	require.NoError(t, err)
	sessions.AssertExpectations(t)
}
