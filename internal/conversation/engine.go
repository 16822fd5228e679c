package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/repository"
	"github.com/mishloha/dispatch/internal/service"
)

// Input is one normalized inbound message, already stripped of platform
// envelope details by the intake layer.
type Input struct {
	Text        string
	Callback    string // resolved callback payload; empty for plain text
	MediaRef    string // platform file reference for photo/document
	GroupChatID string // set when the message arrived in a group chat
}

// Reply is the handler outcome: the text to send back, an optional keyboard,
// and the state/context mutation to apply.
type Reply struct {
	Text         string
	Keyboard     [][]models.Button
	NewState     string
	Patch        map[string]any
	ClearContext bool
}

// Deps bundles the services the flow handlers act through. Handlers hold no
// state of their own.
type Deps struct {
	Users      repository.UserRepository
	Deliveries service.DeliveryService
	Wallets    service.WalletService
	Stations   service.StationService
	Notify     service.NotifyService
	Logger     *slog.Logger
}

// mergePatch folds extra context keys into a reply without overwriting keys
// the handler set itself.
func mergePatch(r *Reply, patch map[string]any) *Reply {
	if r == nil || len(patch) == 0 {
		return r
	}
	if r.Patch == nil {
		r.Patch = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if _, exists := r.Patch[k]; !exists {
			r.Patch[k] = v
		}
	}
	return r
}

// Engine drives the conversation state machine for every user.
type Engine struct {
	sessions repository.SessionRepository
	deps     Deps
	logger   *slog.Logger
}

// NewEngine creates a conversation engine.
func NewEngine(sessions repository.SessionRepository, deps Deps, logger *slog.Logger) *Engine {
	return &Engine{sessions: sessions, deps: deps, logger: logger}
}

// Session loads the user's session, defaulting to INITIAL with an empty
// context when none exists yet.
func (e *Engine) Session(ctx context.Context, userID int64, platform models.Platform) (*models.ConversationSession, error) {
	sess, err := e.sessions.Get(ctx, userID, platform)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		sess = &models.ConversationSession{
			UserID:       userID,
			Platform:     platform,
			CurrentState: StateInitial,
			ContextData:  make(map[string]any),
		}
	}
	return sess, nil
}

// TransitionTo validates the edge against the role graph and persists the new
// state with a copy-on-write context merge. A patch value of nil deletes the
// key; ClearContext on the reply wipes the whole map first.
func (e *Engine) TransitionTo(ctx context.Context, sess *models.ConversationSession, newState string, patch map[string]any, clear bool) error {
	if !AllowedTransition(sess.CurrentState, newState) {
		return apperr.ErrInvalidStateTransition.WithDetails(map[string]any{
			"from": sess.CurrentState,
			"to":   newState,
		})
	}
	return e.persist(ctx, sess, newState, patch, clear)
}

// ForceState skips edge validation. Administrative reset only.
func (e *Engine) ForceState(ctx context.Context, userID int64, platform models.Platform, newState string, clearContext bool) error {
	sess, err := e.Session(ctx, userID, platform)
	if err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "state forced",
		"user_id", userID, "from", sess.CurrentState, "to", newState)
	return e.persist(ctx, sess, newState, nil, clearContext)
}

func (e *Engine) persist(ctx context.Context, sess *models.ConversationSession, newState string, patch map[string]any, clear bool) error {
	merged := make(map[string]any, len(sess.ContextData)+len(patch))
	if !clear {
		for k, v := range sess.ContextData {
			merged[k] = v
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	sess.CurrentState = newState
	sess.ContextData = merged
	if err := e.sessions.Upsert(ctx, sess); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// Handle processes one inbound message end to end: restart handling, the
// multi-step-flow keyword guard, role routing, and persisting the handler's
// state mutation.
func (e *Engine) Handle(ctx context.Context, user *models.User, input Input) (*Reply, error) {
	sess, err := e.Session(ctx, user.ID, user.Platform)
	if err != nil {
		return nil, err
	}

	var (
		reply  *Reply
		forced bool
	)
	switch {
	case isRestartCommand(input.Text):
		// Restart edges cross role families; they bypass graph validation.
		reply = e.handleRestart(user, sess)
		forced = true
	case !IsInMultiStepFlow(sess.CurrentState) && isMenuKeyword(input.Text):
		reply, err = e.roleMenu(ctx, user)
		if err != nil {
			return nil, err
		}
		forced = true
	default:
		reply, err = e.dispatch(ctx, user, sess, input)
		if err != nil {
			return nil, err
		}
	}

	if reply.NewState == "" {
		reply.NewState = sess.CurrentState
	}
	if forced {
		if err := e.persist(ctx, sess, reply.NewState, reply.Patch, reply.ClearContext); err != nil {
			return nil, err
		}
		return reply, nil
	}
	if err := e.TransitionTo(ctx, sess, reply.NewState, reply.Patch, reply.ClearContext); err != nil {
		return nil, err
	}
	return reply, nil
}

// dispatch routes by the current state's role family; INITIAL and foreign
// states fall back to the user's role menu.
func (e *Engine) dispatch(ctx context.Context, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	switch RolePrefix(sess.CurrentState) {
	case "SENDER":
		return handleSender(ctx, e.deps, user, sess, input)
	case "COURIER":
		return handleCourier(ctx, e.deps, user, sess, input)
	case "DISPATCHER":
		return handleDispatcher(ctx, e.deps, user, sess, input)
	case "STATION":
		return handleStationOwner(ctx, e.deps, user, sess, input)
	case StateInitial:
		return e.handleInitial(ctx, user, input)
	default:
		e.logger.ErrorContext(ctx, "unknown state family",
			"user_id", user.ID, "state", sess.CurrentState)
		return e.roleMenu(ctx, user)
	}
}

// handleInitial greets a fresh session: unregistered users start sender
// registration, everyone else lands on their role menu.
func (e *Engine) handleInitial(ctx context.Context, user *models.User, _ Input) (*Reply, error) {
	if user.Name == "" {
		return &Reply{
			Text:     "שלום! ברוכים הבאים לשירות המשלוחים.\nאיך קוראים לך?",
			NewState: SenderCollectName,
		}, nil
	}
	return e.roleMenu(ctx, user)
}

// roleMenu routes to the user's role menu. Every role is handled explicitly;
// an unknown role is an error state, never a silent fallback. Couriers with
// dispatcher permissions and dispatchers who are couriers see the union of
// both menus.
func (e *Engine) roleMenu(ctx context.Context, user *models.User) (*Reply, error) {
	switch user.Role {
	case models.RoleSender:
		return senderMenuReply(user), nil
	case models.RoleCourier:
		return courierMenuFor(ctx, e.deps, user)
	case models.RoleAdmin:
		return dispatcherMenuFor(user), nil
	case models.RoleStationOwner:
		return stationMenuReply(), nil
	default:
		e.logger.ErrorContext(ctx, "unknown role in menu routing",
			"user_id", user.ID, "role", string(user.Role))
		return &Reply{
			Text:     "אירעה שגיאה בזיהוי החשבון. שלח /start כדי להתחיל מחדש.",
			NewState: StateInitial,
		}, nil
	}
}

// handleRestart implements /start mid-flow: the context is wiped, except that
// courier onboarding with uploaded media asks for confirmation first so the
// uploads are not silently discarded.
func (e *Engine) handleRestart(user *models.User, sess *models.ConversationSession) *Reply {
	if RolePrefix(sess.CurrentState) == "COURIER" &&
		IsInMultiStepFlow(sess.CurrentState) && hasOnboardMedia(sess.ContextData) {
		return &Reply{
			Text: "יש לך תהליך הרשמה באמצע עם מסמכים שהועלו.\nלהתחיל מחדש ולמחוק אותם?",
			Keyboard: [][]models.Button{{
				{Text: "כן, התחל מחדש", Data: "restart:confirm"},
				{Text: "המשך מאיפה שהפסקתי", Data: "restart:resume"},
			}},
			NewState: CourierConfirmRestart,
			Patch:    map[string]any{"resume_state": sess.CurrentState},
		}
	}
	if user.Name == "" {
		return &Reply{
			Text:         "שלום! ברוכים הבאים לשירות המשלוחים.\nאיך קוראים לך?",
			NewState:     SenderCollectName,
			ClearContext: true,
		}
	}
	return &Reply{
		Text:         "התחלנו מחדש.",
		NewState:     StateInitial,
		ClearContext: true,
	}
}

func hasOnboardMedia(ctx map[string]any) bool {
	for _, key := range []string{"id_document_ref", "selfie_ref", "vehicle_doc_ref"} {
		if v, ok := ctx[key].(string); ok && v != "" {
			return true
		}
	}
	return false
}

func isRestartCommand(text string) bool {
	return text == "/start" || text == "start"
}

var menuKeywords = map[string]bool{
	"menu":  true,
	"back":  true,
	"תפריט": true,
	"חזרה":  true,
	"ראשי":  true,
}

func isMenuKeyword(text string) bool {
	return menuKeywords[text]
}
