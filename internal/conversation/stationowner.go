package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/validation"
)

func stationMenuReply() *Reply {
	return &Reply{
		Text: "תפריט ניהול תחנה:",
		Keyboard: [][]models.Button{
			{{Text: "ניהול סדרנים", Data: "station:dispatchers"}},
			{{Text: "ניהול בעלים", Data: "station:owners"}},
			{{Text: "ארנק התחנה", Data: "station:wallet"}},
			{{Text: "רשימה שחורה", Data: "station:blacklist"}},
			{{Text: "דוח גבייה", Data: "station:report"}},
			{{Text: "הגדרות קבוצה", Data: "station:group"}},
		},
		NewState: StationMenu,
	}
}

// handleStationOwner drives station governance: dispatchers, owners, wallet,
// blacklist, group linkage and the collection report. The station resolved
// for this turn rides along as a context patch on the reply.
func handleStationOwner(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	stationID, stationPatch, errReply, err := ownerStation(ctx, deps, user, sess)
	if err != nil {
		return nil, err
	}
	if errReply != nil {
		return errReply, nil
	}

	reply, err := stationFlow(ctx, deps, user, sess, input, stationID)
	if err != nil {
		return nil, err
	}
	if reply != nil && reply.ClearContext {
		stationPatch = map[string]any{"station_id": strconv.FormatInt(stationID, 10)}
	}
	return mergePatch(reply, stationPatch), nil
}

func stationFlow(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input, stationID int64) (*Reply, error) {
	switch sess.CurrentState {
	case StationMenu:
		sel := choice(input)
		switch sel {
		case "station:dispatchers":
			return stationDispatcherList(ctx, deps, stationID)
		case "station:owners":
			return stationOwnerList(ctx, deps, stationID)
		case "station:wallet":
			return stationWalletView(ctx, deps, stationID)
		case "station:blacklist":
			return stationBlacklistView(ctx, deps, stationID)
		case "station:report":
			return stationReport(ctx, deps, stationID)
		case "station:group":
			return stationGroupView(ctx, deps, stationID)
		default:
			return stationMenuReply(), nil
		}

	case StationDispatchers:
		sel := choice(input)
		switch {
		case sel == "dispatchers:add":
			return &Reply{
				Text:     "מספר טלפון של השליח שימונה לסדרן:",
				NewState: StationDispatcherAdd,
			}, nil
		case strings.HasPrefix(sel, "dispatchers:remove:"):
			return stationRemoveDispatcher(ctx, deps, user, stationID, strings.TrimPrefix(sel, "dispatchers:remove:"))
		default:
			return stationMenuReply(), nil
		}

	case StationDispatcherAdd:
		courier, errReply, err := lookupByPhone(ctx, deps, input.Text)
		if err != nil {
			return nil, err
		}
		if errReply != nil {
			return errReply, nil
		}
		if err := deps.Stations.AddDispatcher(ctx, stationID, courier.ID, user.ID); err != nil {
			e := apperr.As(err)
			if e.Code == apperr.ErrAlreadyMember.Code || e.Code == apperr.ErrValidation.Code {
				return &Reply{Text: e.Message, NewState: StationDispatchers}, nil
			}
			return nil, err
		}
		return &Reply{
			Text:     fmt.Sprintf("%s מונה לסדרן בתחנה.", validation.SanitizeForHTML(courier.Name)),
			NewState: StationDispatchers,
		}, nil

	case StationOwners:
		sel := choice(input)
		switch {
		case sel == "owners:add":
			return &Reply{
				Text:     "מספר טלפון של הבעלים החדש:",
				NewState: StationOwnerAdd,
			}, nil
		case strings.HasPrefix(sel, "owners:remove:"):
			idStr := strings.TrimPrefix(sel, "owners:remove:")
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				return &Reply{Text: "בעלים לא נמצא.", NewState: StationOwners}, nil
			}
			u, err := deps.Users.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			name := idStr
			if u != nil {
				name = u.Name
			}
			return &Reply{
				Text: fmt.Sprintf("להסיר את %s מבעלות התחנה?", validation.SanitizeForHTML(name)),
				Keyboard: [][]models.Button{{
					{Text: "כן, הסר", Data: "owners:remove_confirm"},
					{Text: "ביטול", Data: "owners:remove_cancel"},
				}},
				NewState: StationOwnerRemoveCheck,
				Patch:    map[string]any{"remove_owner_id": idStr},
			}, nil
		default:
			return stationMenuReply(), nil
		}

	case StationOwnerAdd:
		newOwner, errReply, err := lookupByPhone(ctx, deps, input.Text)
		if err != nil {
			return nil, err
		}
		if errReply != nil {
			return errReply, nil
		}
		if err := deps.Stations.AddOwner(ctx, stationID, newOwner.ID, user.ID); err != nil {
			e := apperr.As(err)
			if e.Code == apperr.ErrAlreadyMember.Code {
				return &Reply{Text: e.Message, NewState: StationOwners}, nil
			}
			return nil, err
		}
		return &Reply{
			Text:     fmt.Sprintf("%s נוסף כבעלים של התחנה.", validation.SanitizeForHTML(newOwner.Name)),
			NewState: StationOwners,
		}, nil

	case StationOwnerRemoveCheck:
		switch choice(input) {
		case "owners:remove_confirm":
			id, err := strconv.ParseInt(ctxString(sess.ContextData, "remove_owner_id"), 10, 64)
			if err != nil {
				return &Reply{
					Text:     "אירעה שגיאה, נסה שוב.",
					NewState: StationOwners,
					Patch:    map[string]any{"remove_owner_id": nil},
				}, nil
			}
			if err := deps.Stations.RemoveOwner(ctx, stationID, id, user.ID); err != nil {
				e := apperr.As(err)
				if e.Code == apperr.ErrValidation.Code {
					return &Reply{
						Text:     e.Message,
						NewState: StationOwners,
						Patch:    map[string]any{"remove_owner_id": nil},
					}, nil
				}
				return nil, err
			}
			return &Reply{
				Text:     "הבעלים הוסר מהתחנה.",
				NewState: StationOwners,
				Patch:    map[string]any{"remove_owner_id": nil},
			}, nil
		case "owners:remove_cancel":
			return &Reply{
				Text:     "ההסרה בוטלה.",
				NewState: StationOwners,
				Patch:    map[string]any{"remove_owner_id": nil},
			}, nil
		default:
			return &Reply{Text: "בחר אחת מהאפשרויות."}, nil
		}

	case StationWallet:
		if choice(input) == "wallet:set_rate" {
			return &Reply{
				Text:     "הזן את שיעור העמלה החדש (בין 0.06 ל-0.12):",
				NewState: StationSetRate,
			}, nil
		}
		return stationMenuReply(), nil

	case StationSetRate:
		rate, err := decimal.NewFromString(validation.Sanitize(input.Text))
		if err != nil || !models.ValidCommissionRate(rate) {
			return &Reply{Text: "שיעור לא תקין. הזן מספר בין 0.06 ל-0.12:"}, nil
		}
		if err := deps.Stations.SetCommissionRate(ctx, stationID, rate, user.ID); err != nil {
			return nil, err
		}
		return &Reply{
			Text:     fmt.Sprintf("שיעור העמלה עודכן ל-%s.", rate.String()),
			NewState: StationWallet,
		}, nil

	case StationBlacklist:
		sel := choice(input)
		switch {
		case sel == "blacklist:add":
			return &Reply{
				Text:     "מספר טלפון של השליח לחסימה:",
				NewState: StationBlacklistAdd,
			}, nil
		case strings.HasPrefix(sel, "blacklist:remove:"):
			return stationUnblacklist(ctx, deps, user, stationID, strings.TrimPrefix(sel, "blacklist:remove:"))
		default:
			return stationMenuReply(), nil
		}

	case StationBlacklistAdd:
		courier, errReply, err := lookupByPhone(ctx, deps, input.Text)
		if err != nil {
			return nil, err
		}
		if errReply != nil {
			return errReply, nil
		}
		return &Reply{
			Text:     "סיבת החסימה:",
			NewState: StationBlacklistReason,
			Patch:    map[string]any{"blacklist_user_id": strconv.FormatInt(courier.ID, 10)},
		}, nil

	case StationBlacklistReason:
		reason := validation.Sanitize(input.Text)
		if reason == "" {
			return &Reply{Text: "נדרשת סיבה. נסה שוב:"}, nil
		}
		userID, err := strconv.ParseInt(ctxString(sess.ContextData, "blacklist_user_id"), 10, 64)
		if err != nil {
			return &Reply{Text: "אירעה שגיאה, נסה שוב.", NewState: StationBlacklist, ClearContext: true}, nil
		}
		if err := deps.Stations.Blacklist(ctx, stationID, userID, user.ID, reason); err != nil {
			e := apperr.As(err)
			if e.Code == apperr.ErrAlreadyMember.Code {
				return &Reply{Text: "השליח כבר חסום.", NewState: StationBlacklist}, nil
			}
			return nil, err
		}
		return &Reply{
			Text:     "השליח נחסם בתחנה.",
			NewState: StationBlacklist,
			Patch:    map[string]any{"blacklist_user_id": nil},
		}, nil

	case StationGroupSettings:
		switch choice(input) {
		case "group:set":
			return &Reply{
				Text:     "שלח הודעה כלשהי מתוך קבוצת התחנה, או הדבק את מזהה הקבוצה:",
				NewState: StationGroupSet,
			}, nil
		case "group:unset":
			if err := deps.Stations.SetGroupChat(ctx, stationID, nil, user.ID); err != nil {
				return nil, err
			}
			return &Reply{Text: "הקבוצה נותקה מהתחנה.", NewState: StationGroupSettings}, nil
		default:
			return stationMenuReply(), nil
		}

	case StationGroupSet:
		gid := input.GroupChatID
		if gid == "" {
			gid = validation.Sanitize(input.Text)
		}
		if !isGroupChatRef(gid) {
			return &Reply{Text: "מזהה קבוצה לא תקין. שלח הודעה מתוך הקבוצה עצמה:"}, nil
		}
		if err := deps.Stations.SetGroupChat(ctx, stationID, &gid, user.ID); err != nil {
			return nil, err
		}
		return &Reply{
			Text:     "הקבוצה קושרה לתחנה. בקשות אישור ועדכונים יישלחו אליה.",
			NewState: StationGroupSettings,
		}, nil

	default:
		return stationMenuReply(), nil
	}
}

// ownerStation resolves the owner's station: the session context first, then
// the first station the user owns. A fresh resolution is returned as a patch
// for the caller to persist; the session is never mutated here.
func ownerStation(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession) (int64, map[string]any, *Reply, error) {
	if v := ctxString(sess.ContextData, "station_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil, nil, nil
		}
	}

	stations, err := deps.Stations.StationsOwnedBy(ctx, user.ID)
	if err != nil {
		return 0, nil, nil, err
	}
	if len(stations) == 0 {
		deps.Logger.ErrorContext(ctx, "station owner without stations", "user_id", user.ID)
		return 0, nil, &Reply{
			Text:         "לא נמצאה תחנה בבעלותך. פנה לתמיכה.",
			NewState:     StateInitial,
			ClearContext: true,
		}, nil
	}
	id := stations[0].ID
	return id, map[string]any{"station_id": strconv.FormatInt(id, 10)}, nil, nil
}

func lookupByPhone(ctx context.Context, deps Deps, raw string) (*models.User, *Reply, error) {
	phone, err := validation.NormalizePhone(raw)
	if err != nil {
		return nil, &Reply{Text: "מספר טלפון לא תקין. נסה שוב:"}, nil
	}
	u, err := deps.Users.GetByPhone(ctx, phone)
	if err != nil {
		return nil, nil, err
	}
	if u == nil {
		return nil, &Reply{Text: "לא נמצא משתמש עם המספר הזה. נסה שוב:"}, nil
	}
	return u, nil, nil
}

// isGroupChatRef accepts bot-platform group identifiers: a leading dash and
// digits.
func isGroupChatRef(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func stationDispatcherList(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	dispatchers, err := deps.Stations.ListDispatchers(ctx, stationID)
	if err != nil {
		return nil, err
	}

	text := "<b>סדרני התחנה:</b>\n"
	var keyboard [][]models.Button
	if len(dispatchers) == 0 {
		text = "אין סדרנים בתחנה עדיין.\n"
	}
	for _, d := range dispatchers {
		u, err := deps.Users.GetByID(ctx, d.UserID)
		if err != nil {
			return nil, err
		}
		name := strconv.FormatInt(d.UserID, 10)
		if u != nil {
			name = u.Name
		}
		text += fmt.Sprintf("- %s\n", validation.SanitizeForHTML(name))
		keyboard = append(keyboard, []models.Button{{
			Text: fmt.Sprintf("הסר את %s", name),
			Data: "dispatchers:remove:" + strconv.FormatInt(d.UserID, 10),
		}})
	}
	keyboard = append(keyboard, []models.Button{{Text: "הוספת סדרן", Data: "dispatchers:add"}})
	return &Reply{Text: text, Keyboard: keyboard, NewState: StationDispatchers}, nil
}

func stationOwnerList(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	owners, err := deps.Stations.ListOwners(ctx, stationID)
	if err != nil {
		return nil, err
	}

	text := "<b>בעלי התחנה:</b>\n"
	var keyboard [][]models.Button
	for _, o := range owners {
		u, err := deps.Users.GetByID(ctx, o.UserID)
		if err != nil {
			return nil, err
		}
		name := strconv.FormatInt(o.UserID, 10)
		if u != nil {
			name = u.Name
		}
		text += fmt.Sprintf("- %s\n", validation.SanitizeForHTML(name))
		keyboard = append(keyboard, []models.Button{{
			Text: fmt.Sprintf("הסר את %s", name),
			Data: "owners:remove:" + strconv.FormatInt(o.UserID, 10),
		}})
	}
	keyboard = append(keyboard, []models.Button{{Text: "הוספת בעלים", Data: "owners:add"}})
	return &Reply{Text: text, Keyboard: keyboard, NewState: StationOwners}, nil
}

func stationRemoveDispatcher(ctx context.Context, deps Deps, user *models.User, stationID int64, idStr string) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return &Reply{Text: "סדרן לא נמצא.", NewState: StationDispatchers}, nil
	}
	if err := deps.Stations.RemoveDispatcher(ctx, stationID, id, user.ID); err != nil {
		return nil, err
	}
	return &Reply{Text: "הסדרן הוסר.", NewState: StationDispatchers}, nil
}

func stationUnblacklist(ctx context.Context, deps Deps, user *models.User, stationID int64, idStr string) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return &Reply{Text: "שליח לא נמצא.", NewState: StationBlacklist}, nil
	}
	if err := deps.Stations.Unblacklist(ctx, stationID, id, user.ID); err != nil {
		return nil, err
	}
	return &Reply{Text: "החסימה הוסרה.", NewState: StationBlacklist}, nil
}

func stationWalletView(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	wallet, err := deps.Wallets.StationBalance(ctx, stationID)
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text: fmt.Sprintf("<b>ארנק התחנה</b>\nיתרה: ₪%s\nשיעור עמלה: %s",
			wallet.Balance.StringFixed(2), wallet.CommissionRate.String()),
		Keyboard: [][]models.Button{{
			{Text: "שינוי שיעור עמלה", Data: "wallet:set_rate"},
		}},
		NewState: StationWallet,
	}, nil
}

func stationGroupView(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	station, err := deps.Stations.Get(ctx, stationID)
	if err != nil {
		return nil, err
	}

	text := "<b>הגדרות קבוצה</b>\nאין קבוצה מקושרת לתחנה."
	keyboard := [][]models.Button{{{Text: "קישור קבוצה", Data: "group:set"}}}
	if station.GroupChatID != nil && *station.GroupChatID != "" {
		text = fmt.Sprintf("<b>הגדרות קבוצה</b>\nקבוצה מקושרת: %s",
			validation.SanitizeForHTML(*station.GroupChatID))
		keyboard = append(keyboard, []models.Button{{Text: "ניתוק הקבוצה", Data: "group:unset"}})
	}
	return &Reply{Text: text, Keyboard: keyboard, NewState: StationGroupSettings}, nil
}

func stationBlacklistView(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	ids, err := deps.Stations.BlacklistedUserIDs(ctx, stationID)
	if err != nil {
		return nil, err
	}

	text := "<b>רשימה שחורה:</b>\n"
	var keyboard [][]models.Button
	if len(ids) == 0 {
		text = "הרשימה השחורה ריקה.\n"
	}
	for id := range ids {
		u, err := deps.Users.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		name := strconv.FormatInt(id, 10)
		if u != nil {
			name = u.Name
		}
		text += fmt.Sprintf("- %s\n", validation.SanitizeForHTML(name))
		keyboard = append(keyboard, []models.Button{{
			Text: fmt.Sprintf("שחרר את %s", name),
			Data: "blacklist:remove:" + strconv.FormatInt(id, 10),
		}})
	}
	keyboard = append(keyboard, []models.Button{{Text: "חסימת שליח", Data: "blacklist:add"}})
	return &Reply{Text: text, Keyboard: keyboard, NewState: StationBlacklist}, nil
}

func stationReport(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	report, err := deps.Stations.CollectionReport(ctx, stationID, 20)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("<b>דוח גבייה</b>\nיתרה: ₪%s\nשיעור עמלה: %s\nסהכ בתקופה: ₪%s\n",
		report.Balance.StringFixed(2), report.CommissionRate.String(), report.Total.StringFixed(2))
	for _, e := range report.Entries {
		text += fmt.Sprintf("%s | ₪%s | %s\n",
			e.CreatedAt.Format("02/01"), e.Amount.StringFixed(2),
			validation.SanitizeForHTML(e.Description))
	}
	r := stationMenuReply()
	r.Text = text
	return r, nil
}
