package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/service"
	"github.com/mishloha/dispatch/internal/validation"
)

func dispatcherMenuReply() *Reply {
	return &Reply{
		Text: "תפריט סדרן:",
		Keyboard: [][]models.Button{
			{{Text: "הוספת משלוח", Data: "dispatch:new"}},
			{{Text: "חיוב ידני", Data: "dispatch:charge"}},
			{{Text: "ממתינים לאישור", Data: "dispatch:pending"}},
			{{Text: "משלוחים פעילים", Data: "dispatch:active"}},
			{{Text: "היסטוריית משלוחים", Data: "dispatch:history"}},
		},
		NewState: DispatcherMenu,
	}
}

// dispatcherMenuFor adds the courier-menu entry: dispatchers are approved
// couriers and work both sides.
func dispatcherMenuFor(user *models.User) *Reply {
	r := dispatcherMenuReply()
	if user.IsApprovedCourier() {
		r.Keyboard = append(r.Keyboard, []models.Button{{Text: "תפריט שליח", Data: "dispatch:courier"}})
	}
	return r
}

// handleDispatcher drives the station dispatcher wizards: add-shipment and
// manual charge. Each wizard runs to completion or explicit cancel; the
// keyword guard keeps free text inside the flow. The station resolved for
// this turn rides along as a context patch on whatever reply the flow
// produces.
func handleDispatcher(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	stationID, stationPatch, errReply := dispatcherStation(ctx, deps, user, sess, input)
	if errReply != nil {
		return errReply, nil
	}

	reply, err := dispatcherFlow(ctx, deps, user, sess, input, stationID)
	if err != nil {
		return nil, err
	}
	// ClearContext would drop the pinned station with the wizard fields;
	// re-pin it so the next dispatcher action keeps working.
	if reply != nil && reply.ClearContext {
		stationPatch = map[string]any{"station_id": strconv.FormatInt(stationID, 10)}
	}
	return mergePatch(reply, stationPatch), nil
}

func dispatcherFlow(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input, stationID int64) (*Reply, error) {
	switch sess.CurrentState {
	case DispatcherMenu:
		sel := choice(input)
		switch {
		case sel == "dispatch:new":
			return &Reply{
				Text:     "כתובת איסוף:",
				NewState: DispatcherShipPickup,
			}, nil
		case sel == "dispatch:charge":
			return &Reply{
				Text:     "מספר טלפון של השליח לחיוב:",
				NewState: DispatcherChargeWho,
			}, nil
		case sel == "dispatch:pending":
			return dispatcherPendingList(ctx, deps, stationID)
		case sel == "dispatch:active":
			return dispatcherDeliveryList(ctx, deps, stationID, "משלוחים פעילים",
				[]models.DeliveryStatus{models.DeliveryOpen, models.DeliveryPendingApproval,
					models.DeliveryCaptured, models.DeliveryInProgress})
		case sel == "dispatch:history":
			return dispatcherDeliveryList(ctx, deps, stationID, "היסטוריית משלוחים",
				[]models.DeliveryStatus{models.DeliveryDelivered, models.DeliveryCancelled})
		case sel == "dispatch:courier":
			if user.IsApprovedCourier() {
				return courierMenuFor(ctx, deps, user)
			}
			return dispatcherMenuReply(), nil
		case strings.HasPrefix(sel, "approve:"):
			return dispatcherApprove(ctx, deps, user, strings.TrimPrefix(sel, "approve:"), true)
		case strings.HasPrefix(sel, "reject:"):
			return dispatcherApprove(ctx, deps, user, strings.TrimPrefix(sel, "reject:"), false)
		default:
			return dispatcherMenuFor(user), nil
		}

	case DispatcherShipPickup:
		if !validation.ValidateAddress(input.Text) {
			return &Reply{Text: "כתובת לא תקינה. נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "כתובת מסירה:",
			NewState: DispatcherShipDropoff,
			Patch:    map[string]any{"pickup_address": validation.NormalizeAddress(input.Text)},
		}, nil

	case DispatcherShipDropoff:
		if !validation.ValidateAddress(input.Text) {
			return &Reply{Text: "כתובת לא תקינה. נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "תשלום לשליח (בשקלים):",
			NewState: DispatcherShipFee,
			Patch:    map[string]any{"dropoff_address": validation.NormalizeAddress(input.Text)},
		}, nil

	case DispatcherShipFee:
		fee, ok := validation.ParseAmount(input.Text)
		if !ok {
			return &Reply{Text: "סכום לא תקין. נסה שוב:"}, nil
		}
		summary := fmt.Sprintf(
			"<b>משלוח חדש לתחנה:</b>\nאיסוף: %s\nמסירה: %s\nתשלום: ₪%s\nלאשר?",
			validation.SanitizeForHTML(ctxString(sess.ContextData, "pickup_address")),
			validation.SanitizeForHTML(ctxString(sess.ContextData, "dropoff_address")),
			fee.StringFixed(2),
		)
		return &Reply{
			Text: summary,
			Keyboard: [][]models.Button{{
				{Text: "אישור", Data: "ship:confirm"},
				{Text: "ביטול", Data: "ship:cancel"},
			}},
			NewState: DispatcherShipConfirm,
			Patch:    map[string]any{"fee": fee.String()},
		}, nil

	case DispatcherShipConfirm:
		switch choice(input) {
		case "ship:confirm":
			return dispatcherCreateShipment(ctx, deps, user, sess, stationID)
		case "ship:cancel":
			return &Reply{Text: "המשלוח בוטל.", NewState: DispatcherMenu, ClearContext: true}, nil
		default:
			return &Reply{Text: "בחר אישור או ביטול."}, nil
		}

	case DispatcherChargeWho:
		phone, err := validation.NormalizePhone(input.Text)
		if err != nil {
			return &Reply{Text: "מספר טלפון לא תקין. נסה שוב:"}, nil
		}
		courier, err := deps.Users.GetByPhone(ctx, phone)
		if err != nil {
			return nil, err
		}
		if courier == nil || !courier.IsApprovedCourier() {
			return &Reply{Text: "לא נמצא שליח עם המספר הזה. נסה שוב:"}, nil
		}
		return &Reply{
			Text:     fmt.Sprintf("חיוב עבור %s.\nסכום החיוב (שלילי לזיכוי):", validation.SanitizeForHTML(courier.Name)),
			NewState: DispatcherChargeSum,
			Patch:    map[string]any{"charge_courier_id": strconv.FormatInt(courier.ID, 10)},
		}, nil

	case DispatcherChargeSum:
		amount, ok := validation.ParseAmount(strings.TrimPrefix(validation.Sanitize(input.Text), "-"))
		if !ok {
			return &Reply{Text: "סכום לא תקין. נסה שוב:"}, nil
		}
		raw := validation.Sanitize(input.Text)
		if strings.HasPrefix(raw, "-") {
			amount = amount.Neg()
		}
		return &Reply{
			Text:     "תיאור החיוב:",
			NewState: DispatcherChargeDesc,
			Patch:    map[string]any{"charge_amount": amount.String()},
		}, nil

	case DispatcherChargeDesc:
		desc := validation.Sanitize(input.Text)
		if desc == "" {
			return &Reply{Text: "נדרש תיאור. נסה שוב:"}, nil
		}
		return &Reply{
			Text: fmt.Sprintf("לחייב ₪%s עם התיאור \"%s\"?",
				ctxString(sess.ContextData, "charge_amount"),
				validation.SanitizeForHTML(desc)),
			Keyboard: [][]models.Button{{
				{Text: "אישור", Data: "charge:confirm"},
				{Text: "ביטול", Data: "charge:cancel"},
			}},
			NewState: DispatcherChargeOK,
			Patch:    map[string]any{"charge_description": desc},
		}, nil

	case DispatcherChargeOK:
		switch choice(input) {
		case "charge:confirm":
			return dispatcherApplyCharge(ctx, deps, user, sess, stationID)
		case "charge:cancel":
			return &Reply{Text: "החיוב בוטל.", NewState: DispatcherMenu, ClearContext: true}, nil
		default:
			return &Reply{Text: "בחר אישור או ביטול."}, nil
		}

	default:
		return dispatcherMenuFor(user), nil
	}
}

// dispatcherStation resolves the station the dispatcher is acting for:
// the session context first, then the group chat the message arrived in.
// A group-chat resolution is returned as a patch for the caller to persist;
// the session itself is never mutated here. Without a station the dispatcher
// flow cannot proceed; the fallback is an explicit error menu, never a crash.
func dispatcherStation(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (int64, map[string]any, *Reply) {
	if v := ctxString(sess.ContextData, "station_id"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil, nil
		}
	}
	if input.GroupChatID != "" {
		station, err := deps.Stations.ResolveByGroupChat(ctx, input.GroupChatID)
		if err == nil {
			return station.ID, map[string]any{"station_id": strconv.FormatInt(station.ID, 10)}, nil
		}
	}
	deps.Logger.ErrorContext(ctx, "dispatcher without resolvable station",
		"user_id", user.ID, "state", sess.CurrentState)
	return 0, nil, &Reply{
		Text:         "לא נמצאה תחנה משויכת. פנה לבעל התחנה או כתוב מתוך קבוצת התחנה.",
		NewState:     DispatcherMenu,
		ClearContext: true,
	}
}

func dispatcherCreateShipment(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, stationID int64) (*Reply, error) {
	fee, ok := validation.ParseAmount(ctxString(sess.ContextData, "fee"))
	if !ok {
		return &Reply{Text: "אירעה שגיאה, נסה שוב.", NewState: DispatcherMenu, ClearContext: true}, nil
	}
	d, err := deps.Deliveries.Create(ctx, service.CreateDeliveryInput{
		SenderID:       user.ID,
		StationID:      &stationID,
		PickupAddress:  ctxString(sess.ContextData, "pickup_address"),
		DropoffAddress: ctxString(sess.ContextData, "dropoff_address"),
		Fee:            fee,
		Notes:          ctxString(sess.ContextData, "notes"),
	})
	if err != nil {
		return nil, err
	}
	return &Reply{
		Text:         fmt.Sprintf("משלוח #%d נוצר ושודר לשליחים.", d.ID),
		NewState:     DispatcherMenu,
		ClearContext: true,
	}, nil
}

func dispatcherApplyCharge(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, stationID int64) (*Reply, error) {
	courierID, err := strconv.ParseInt(ctxString(sess.ContextData, "charge_courier_id"), 10, 64)
	if err != nil {
		return &Reply{Text: "אירעה שגיאה, נסה שוב.", NewState: DispatcherMenu, ClearContext: true}, nil
	}
	amount, ok := validation.ParseAmount(strings.TrimPrefix(ctxString(sess.ContextData, "charge_amount"), "-"))
	if !ok {
		return &Reply{Text: "אירעה שגיאה, נסה שוב.", NewState: DispatcherMenu, ClearContext: true}, nil
	}
	if strings.HasPrefix(ctxString(sess.ContextData, "charge_amount"), "-") {
		amount = amount.Neg()
	}

	_, err = deps.Stations.ManualCharge(ctx, stationID, courierID, user.ID, amount,
		ctxString(sess.ContextData, "charge_description"))
	if err != nil {
		e := apperr.As(err)
		if e.Code == apperr.ErrInsufficientCredit.Code {
			return &Reply{
				Text:         "החיוב נכשל: השליח יחרוג ממסגרת האשראי.",
				NewState:     DispatcherMenu,
				ClearContext: true,
			}, nil
		}
		return nil, err
	}
	return &Reply{
		Text:         "החיוב בוצע ונרשם ביומן.",
		NewState:     DispatcherMenu,
		ClearContext: true,
	}, nil
}

// dispatcherDeliveryList shows the station's shipments in the given states.
func dispatcherDeliveryList(ctx context.Context, deps Deps, stationID int64, title string, statuses []models.DeliveryStatus) (*Reply, error) {
	deliveries, err := deps.Deliveries.ListByStation(ctx, stationID, statuses, 10)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		r := dispatcherMenuReply()
		r.Text = "אין משלוחים להצגה."
		return r, nil
	}

	text := fmt.Sprintf("<b>%s:</b>\n", title)
	for _, d := range deliveries {
		text += fmt.Sprintf("#%d | %s → %s | ₪%s | %s\n",
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			d.Fee.StringFixed(2),
			statusLabel(d.Status))
	}
	r := dispatcherMenuReply()
	r.Text = text
	return r, nil
}

func dispatcherPendingList(ctx context.Context, deps Deps, stationID int64) (*Reply, error) {
	pending, err := deps.Deliveries.ListPendingApproval(ctx, stationID, 10)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		r := dispatcherMenuReply()
		r.Text = "אין בקשות שממתינות לאישור."
		return r, nil
	}

	text := "<b>ממתינים לאישור:</b>\n"
	var keyboard [][]models.Button
	for _, d := range pending {
		text += fmt.Sprintf("#%d | %s → %s | ₪%s\n",
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			d.Fee.StringFixed(2))
		id := strconv.FormatInt(d.ID, 10)
		keyboard = append(keyboard, []models.Button{
			{Text: fmt.Sprintf("אשר #%d", d.ID), Data: "approve:" + id},
			{Text: fmt.Sprintf("דחה #%d", d.ID), Data: "reject:" + id},
		})
	}
	return &Reply{Text: text, Keyboard: keyboard, NewState: DispatcherMenu}, nil
}

func dispatcherApprove(ctx context.Context, deps Deps, user *models.User, idStr string, approve bool) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		r := dispatcherMenuReply()
		r.Text = "משלוח לא נמצא."
		return r, nil
	}

	if approve {
		_, err = deps.Deliveries.Approve(ctx, id, user.ID)
	} else {
		err = deps.Deliveries.Reject(ctx, id, user.ID)
	}
	if err != nil {
		e := apperr.As(err)
		switch e.Code {
		case apperr.ErrInvalidStateTransition.Code,
			apperr.ErrDeliveryNotFound.Code,
			apperr.ErrInsufficientCredit.Code,
			apperr.ErrDuplicateCharge.Code:
			r := dispatcherMenuReply()
			r.Text = e.Message
			return r, nil
		}
		return nil, err
	}

	r := dispatcherMenuReply()
	if approve {
		r.Text = fmt.Sprintf("משלוח #%d אושר והשליח עודכן.", id)
	} else {
		r.Text = fmt.Sprintf("משלוח #%d נדחה.", id)
	}
	return r, nil
}
