package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/service"
	"github.com/mishloha/dispatch/internal/validation"
)

// defaultDeliveryFee is charged when the sender skips the price step.
var defaultDeliveryFee = decimal.NewFromInt(10)

func senderMenuReply(user *models.User) *Reply {
	return &Reply{
		Text: fmt.Sprintf("שלום %s, מה תרצה לעשות?", validation.SanitizeForHTML(user.Name)),
		Keyboard: [][]models.Button{
			{{Text: "משלוח חדש", Data: "sender:new"}},
			{{Text: "המשלוחים שלי", Data: "sender:list"}},
			{{Text: "הרשמה כשליח", Data: "sender:become_courier"}},
		},
		NewState: SenderMenu,
	}
}

// handleSender drives registration and the new-delivery wizard. The wizard
// collects the pickup and dropoff addresses field by field; every free-text
// step keeps SenderMenu as an escape edge.
func handleSender(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	switch sess.CurrentState {
	case SenderCollectName:
		name := validation.Sanitize(input.Text)
		if !validation.ValidateName(name) {
			return &Reply{Text: "שם לא תקין, נסה שוב:"}, nil
		}
		if safe, _ := validation.CheckInjection(name); !safe {
			return &Reply{Text: "שם לא תקין, נסה שוב:"}, nil
		}
		if err := deps.Users.UpdateName(ctx, user.ID, name); err != nil {
			return nil, err
		}
		user.Name = name
		return senderMenuReply(user), nil

	case SenderMenu:
		sel := choice(input)
		if idStr, ok := strings.CutPrefix(sel, "sender:cancel:"); ok {
			return senderCancel(ctx, deps, user, idStr)
		}
		switch sel {
		case "sender:new":
			return &Reply{
				Text:     "יוצרים משלוח חדש.\nבאיזו עיר נמצא האיסוף?",
				NewState: SenderPickupCity,
			}, nil
		case "sender:list":
			return senderDeliveryList(ctx, deps, user)
		case "sender:become_courier":
			return &Reply{
				Text:     "נעים מאוד! כדי להירשם כשליח נצטרך כמה פרטים.\nמה שמך המלא?",
				NewState: CourierCollectName,
			}, nil
		default:
			return senderMenuReply(user), nil
		}

	case SenderPickupCity:
		city, ok := wizardField(input.Text, 100)
		if !ok {
			return &Reply{Text: "שם עיר לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "באיזה רחוב?",
			NewState: SenderPickupStreet,
			Patch:    map[string]any{"pickup_city": city},
		}, nil

	case SenderPickupStreet:
		street, ok := wizardField(input.Text, 100)
		if !ok {
			return &Reply{Text: "שם רחוב לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "מה מספר הבית?",
			NewState: SenderPickupNumber,
			Patch:    map[string]any{"pickup_street": street},
		}, nil

	case SenderPickupNumber:
		num, ok := wizardField(input.Text, 10)
		if !ok {
			return &Reply{Text: "מספר בית לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "מספר דירה? (או - אם אין)",
			NewState: SenderPickupApartment,
			Patch:    map[string]any{"pickup_number": num},
		}, nil

	case SenderPickupApartment:
		apt, ok := optionalField(input.Text, 10)
		if !ok {
			return &Reply{Text: "מספר דירה לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "באיזו עיר המסירה?",
			NewState: SenderDropoffCity,
			Patch:    map[string]any{"pickup_apartment": apt},
		}, nil

	case SenderDropoffCity:
		city, ok := wizardField(input.Text, 100)
		if !ok {
			return &Reply{Text: "שם עיר לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "באיזה רחוב למסור?",
			NewState: SenderDropoffStreet,
			Patch:    map[string]any{"dropoff_city": city},
		}, nil

	case SenderDropoffStreet:
		street, ok := wizardField(input.Text, 100)
		if !ok {
			return &Reply{Text: "שם רחוב לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "מה מספר הבית?",
			NewState: SenderDropoffNumber,
			Patch:    map[string]any{"dropoff_street": street},
		}, nil

	case SenderDropoffNumber:
		num, ok := wizardField(input.Text, 10)
		if !ok {
			return &Reply{Text: "מספר בית לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "מספר דירה? (או - אם אין)",
			NewState: SenderDropoffApartment,
			Patch:    map[string]any{"dropoff_number": num},
		}, nil

	case SenderDropoffApartment:
		apt, ok := optionalField(input.Text, 10)
		if !ok {
			return &Reply{Text: "מספר דירה לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "מתי לבצע את המשלוח?",
			Keyboard: urgencyKeyboard(),
			NewState: SenderUrgency,
			Patch:    map[string]any{"dropoff_apartment": apt},
		}, nil

	case SenderUrgency:
		switch choice(input) {
		case "urgency:now":
			return &Reply{
				Text:     "כמה תשלם לשליח? (בשקלים, או - למחיר ברירת המחדל)",
				NewState: SenderDeliveryFee,
				Patch:    map[string]any{"schedule_time": nil},
			}, nil
		case "urgency:scheduled":
			return &Reply{
				Text:     "למתי לתזמן את המשלוח? (למשל: היום 17:30)",
				NewState: SenderScheduleTime,
			}, nil
		default:
			return &Reply{Text: "בחר מיידי או לזמן מסוים.", Keyboard: urgencyKeyboard()}, nil
		}

	case SenderScheduleTime:
		when, ok := wizardField(input.Text, 50)
		if !ok {
			return &Reply{Text: "זמן לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "כמה תשלם לשליח? (בשקלים, או - למחיר ברירת המחדל)",
			NewState: SenderDeliveryFee,
			Patch:    map[string]any{"schedule_time": when},
		}, nil

	case SenderDeliveryFee:
		fee := defaultDeliveryFee
		if strings.TrimSpace(input.Text) != "-" {
			parsed, ok := validation.ParseAmount(input.Text)
			if !ok || !validation.ValidateDeliveryFee(parsed) {
				return &Reply{Text: "סכום לא תקין. הזן מספר בין 0 ל-10000, או - למחיר ברירת המחדל:"}, nil
			}
			fee = parsed
		}
		return &Reply{
			Text:     "הערות לשליח? (או - לדילוג)",
			NewState: SenderDeliveryNotes,
			Patch:    map[string]any{"fee": fee.String()},
		}, nil

	case SenderDeliveryNotes:
		notes := validation.Sanitize(input.Text)
		if notes == "-" {
			notes = ""
		}
		timing := "מיידי"
		if when := ctxString(sess.ContextData, "schedule_time"); when != "" {
			timing = "מתוזמן ל" + when
		}
		summary := fmt.Sprintf(
			"<b>סיכום המשלוח:</b>\nאיסוף: %s\nמסירה: %s\nתזמון: %s\nתשלום: ₪%s\nהערות: %s\n\nלאשר?",
			validation.SanitizeForHTML(assembleAddress(sess.ContextData, "pickup")),
			validation.SanitizeForHTML(assembleAddress(sess.ContextData, "dropoff")),
			validation.SanitizeForHTML(timing),
			ctxString(sess.ContextData, "fee"),
			validation.SanitizeForHTML(notes),
		)
		return &Reply{
			Text: summary,
			Keyboard: [][]models.Button{{
				{Text: "אישור", Data: "delivery:confirm"},
				{Text: "ביטול", Data: "delivery:cancel"},
			}},
			NewState: SenderDeliveryConfirm,
			Patch:    map[string]any{"notes": notes},
		}, nil

	case SenderDeliveryConfirm:
		switch choice(input) {
		case "delivery:confirm":
			fee, err := decimal.NewFromString(ctxString(sess.ContextData, "fee"))
			if err != nil {
				return &Reply{Text: "אירעה שגיאה, נסה שוב.", NewState: SenderMenu, ClearContext: true}, nil
			}
			notes := ctxString(sess.ContextData, "notes")
			if when := ctxString(sess.ContextData, "schedule_time"); when != "" {
				if notes != "" {
					notes = "מתוזמן ל" + when + ". " + notes
				} else {
					notes = "מתוזמן ל" + when
				}
			}
			d, err := deps.Deliveries.Create(ctx, service.CreateDeliveryInput{
				SenderID:       user.ID,
				PickupAddress:  assembleAddress(sess.ContextData, "pickup"),
				DropoffAddress: assembleAddress(sess.ContextData, "dropoff"),
				Fee:            fee,
				Notes:          notes,
			})
			if err != nil {
				return nil, err
			}
			return &Reply{
				Text:         fmt.Sprintf("<b>המשלוח נוצר!</b>\nמספר משלוח: %d\nהשליחים באזור קיבלו התראה.", d.ID),
				NewState:     SenderMenu,
				ClearContext: true,
			}, nil
		case "delivery:cancel":
			return &Reply{Text: "המשלוח בוטל.", NewState: SenderMenu, ClearContext: true}, nil
		default:
			return &Reply{Text: "בחר אישור או ביטול."}, nil
		}

	default:
		return senderMenuReply(user), nil
	}
}

func urgencyKeyboard() [][]models.Button {
	return [][]models.Button{{
		{Text: "מיידי", Data: "urgency:now"},
		{Text: "לזמן מסוים", Data: "urgency:scheduled"},
	}}
}

// senderCancel cancels one of the sender's OPEN shipments.
func senderCancel(ctx context.Context, deps Deps, user *models.User, idStr string) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		r := senderMenuReply(user)
		r.Text = "משלוח לא נמצא."
		return r, nil
	}
	if err := deps.Deliveries.Cancel(ctx, id, user.ID); err != nil {
		e := apperr.As(err)
		if e.Code == apperr.ErrDeliveryNotFound.Code || e.Code == apperr.ErrInvalidStateTransition.Code {
			r := senderMenuReply(user)
			r.Text = "לא ניתן לבטל את המשלוח הזה. ייתכן שכבר נתפס."
			return r, nil
		}
		return nil, err
	}
	r := senderMenuReply(user)
	r.Text = fmt.Sprintf("משלוח #%d בוטל.", id)
	return r, nil
}

func senderDeliveryList(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	deliveries, err := deps.Deliveries.ListBySender(ctx, user.ID, 10)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		r := senderMenuReply(user)
		r.Text = "אין לך משלוחים עדיין."
		return r, nil
	}

	text := "<b>המשלוחים שלך:</b>\n"
	var keyboard [][]models.Button
	for _, d := range deliveries {
		text += fmt.Sprintf("#%d | %s → %s | %s\n",
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			statusLabel(d.Status))
		if d.Status == models.DeliveryOpen {
			keyboard = append(keyboard, []models.Button{{
				Text: fmt.Sprintf("בטל משלוח #%d", d.ID),
				Data: fmt.Sprintf("sender:cancel:%d", d.ID),
			}})
		}
	}
	r := senderMenuReply(user)
	r.Text = text
	if len(keyboard) > 0 {
		r.Keyboard = append(keyboard, r.Keyboard...)
	}
	return r, nil
}

func statusLabel(s models.DeliveryStatus) string {
	switch s {
	case models.DeliveryOpen:
		return "ממתין לשליח"
	case models.DeliveryPendingApproval:
		return "ממתין לאישור"
	case models.DeliveryCaptured:
		return "נתפס"
	case models.DeliveryInProgress:
		return "בדרך"
	case models.DeliveryDelivered:
		return "נמסר"
	case models.DeliveryCancelled:
		return "בוטל"
	default:
		return string(s)
	}
}

// wizardField sanitizes one free-text wizard answer and bounds its length.
func wizardField(text string, maxLen int) (string, bool) {
	clean := validation.Sanitize(text)
	if safe, _ := validation.CheckInjection(clean); !safe {
		return "", false
	}
	if n := len([]rune(clean)); n < 1 || n > maxLen {
		return "", false
	}
	return clean, true
}

// optionalField is wizardField with "-" meaning none.
func optionalField(text string, maxLen int) (string, bool) {
	if strings.TrimSpace(text) == "-" {
		return "", true
	}
	return wizardField(text, maxLen)
}

// assembleAddress joins the wizard's address fields into one normalized line.
func assembleAddress(data map[string]any, prefix string) string {
	addr := ctxString(data, prefix+"_street") + " " + ctxString(data, prefix+"_number")
	if apt := ctxString(data, prefix+"_apartment"); apt != "" {
		addr += " דירה " + apt
	}
	return validation.NormalizeAddress(addr + ", " + ctxString(data, prefix+"_city"))
}

// choice returns the callback payload when present, else the plain text.
func choice(input Input) string {
	if input.Callback != "" {
		return input.Callback
	}
	return input.Text
}

func ctxString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
