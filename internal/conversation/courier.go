package conversation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mishloha/dispatch/internal/models"
	"github.com/mishloha/dispatch/internal/pkg/apperr"
	"github.com/mishloha/dispatch/internal/validation"
)

var vehicleCategories = map[string]bool{
	"אופנוע": true,
	"רכב":    true,
	"אופניים": true,
}

func courierMenuReply(_ *models.User) *Reply {
	return &Reply{
		Text: "תפריט שליח:",
		Keyboard: [][]models.Button{
			{{Text: "משלוחים זמינים", Data: "courier:available"}},
			{{Text: "המשלוחים שלי", Data: "courier:active"}},
			{{Text: "היסטוריית מסירות", Data: "courier:history"}},
			{{Text: "הארנק שלי", Data: "courier:wallet"}},
			{{Text: "דיווח על הפקדה", Data: "courier:deposit"}},
			{{Text: "שינוי אזור שירות", Data: "courier:area"}},
			{{Text: "פנייה לתמיכה", Data: "courier:support"}},
		},
		NewState: CourierMenu,
	}
}

// courierMenuFor renders the courier menu with the dispatcher entry appended
// for couriers holding dispatcher permissions at any station.
func courierMenuFor(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	r := courierMenuReply(user)
	stations, err := deps.Stations.StationsDispatchedBy(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if len(stations) > 0 {
		r.Keyboard = append(r.Keyboard, []models.Button{{Text: "תפריט סדרן", Data: "courier:dispatch"}})
	}
	return r, nil
}

// handleCourier drives onboarding and the courier work menu.
func handleCourier(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	switch sess.CurrentState {
	case CourierCollectName:
		name := validation.Sanitize(input.Text)
		if !validation.ValidateName(name) {
			return &Reply{Text: "שם לא תקין, נסה שוב:"}, nil
		}
		return &Reply{
			Text:     "שלח צילום של תעודת הזהות שלך:",
			NewState: CourierIDDocument,
			Patch:    map[string]any{"full_name": name},
		}, nil

	case CourierIDDocument:
		if input.MediaRef == "" {
			return &Reply{Text: "נדרש צילום. שלח תמונה של תעודת הזהות:"}, nil
		}
		return &Reply{
			Text:     "עכשיו שלח תמונת סלפי ברורה:",
			NewState: CourierSelfie,
			Patch:    map[string]any{"id_document_ref": input.MediaRef},
		}, nil

	case CourierSelfie:
		if input.MediaRef == "" {
			return &Reply{Text: "נדרשת תמונה. שלח סלפי:"}, nil
		}
		return &Reply{
			Text: "באיזה כלי רכב תעבוד?",
			Keyboard: [][]models.Button{{
				{Text: "אופנוע", Data: "אופנוע"},
				{Text: "רכב", Data: "רכב"},
				{Text: "אופניים", Data: "אופניים"},
			}},
			NewState: CourierVehicleCategory,
			Patch:    map[string]any{"selfie_ref": input.MediaRef},
		}, nil

	case CourierVehicleCategory:
		category := choice(input)
		if !vehicleCategories[category] {
			return &Reply{Text: "בחר אחת מהאפשרויות: אופנוע / רכב / אופניים"}, nil
		}
		return &Reply{
			Text:     "שלח צילום של רישיון הרכב או תעודת ביטוח:",
			NewState: CourierVehicleDoc,
			Patch:    map[string]any{"vehicle_category": category},
		}, nil

	case CourierVehicleDoc:
		if input.MediaRef == "" {
			return &Reply{Text: "נדרש צילום מסמך. נסה שוב:"}, nil
		}
		return &Reply{
			Text: "כמעט סיימנו!\nאשר את תנאי השירות כדי להשלים את ההרשמה.",
			Keyboard: [][]models.Button{{
				{Text: "אני מאשר את התנאים", Data: "terms:accept"},
			}},
			NewState: CourierTerms,
			Patch:    map[string]any{"vehicle_doc_ref": input.MediaRef},
		}, nil

	case CourierTerms:
		if choice(input) != "terms:accept" {
			return &Reply{Text: "כדי להמשיך יש לאשר את תנאי השירות."}, nil
		}
		if err := submitOnboarding(ctx, deps, user, sess); err != nil {
			return nil, err
		}
		return &Reply{
			Text:         "ההרשמה הושלמה ונשלחה לאישור.\nנעדכן אותך ברגע שהחשבון יאושר.",
			NewState:     CourierPendingApproval,
			ClearContext: true,
		}, nil

	case CourierConfirmRestart:
		switch choice(input) {
		case "restart:confirm":
			return &Reply{
				Text:         "מתחילים מחדש. מה שמך המלא?",
				NewState:     CourierCollectName,
				ClearContext: true,
			}, nil
		case "restart:resume":
			resume := ctxString(sess.ContextData, "resume_state")
			if resume == "" {
				resume = CourierCollectName
			}
			return &Reply{
				Text:     "ממשיכים מאיפה שהפסקנו.",
				NewState: resume,
				Patch:    map[string]any{"resume_state": nil},
			}, nil
		default:
			return &Reply{Text: "בחר אחת מהאפשרויות."}, nil
		}

	case CourierPendingApproval:
		if !user.IsApprovedCourier() {
			return &Reply{Text: "החשבון שלך עדיין ממתין לאישור. נעדכן אותך בהקדם."}, nil
		}
		return courierMenuReply(user), nil

	case CourierMenu, CourierChangeArea, CourierDeposit, CourierSupport:
		return handleCourierMenu(ctx, deps, user, sess, input)

	default:
		return courierMenuReply(user), nil
	}
}

func submitOnboarding(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession) error {
	now := time.Now()
	pending := models.ApprovalPending

	fullName := ctxString(sess.ContextData, "full_name")
	idDoc := ctxString(sess.ContextData, "id_document_ref")
	selfie := ctxString(sess.ContextData, "selfie_ref")
	vehicleDoc := ctxString(sess.ContextData, "vehicle_doc_ref")
	category := ctxString(sess.ContextData, "vehicle_category")

	user.Role = models.RoleCourier
	user.ApprovalStatus = &pending
	user.FullName = &fullName
	user.IDDocumentRef = &idDoc
	user.SelfieRef = &selfie
	user.VehicleDocRef = &vehicleDoc
	user.VehicleCategory = &category
	user.TermsAcceptedAt = &now

	if err := deps.Users.UpdateRole(ctx, user.ID, models.RoleCourier); err != nil {
		return err
	}
	if err := deps.Users.UpdateCourierProfile(ctx, user); err != nil {
		return err
	}
	return deps.Notify.OnboardingSubmitted(ctx, user)
}

func handleCourierMenu(ctx context.Context, deps Deps, user *models.User, sess *models.ConversationSession, input Input) (*Reply, error) {
	if !user.IsApprovedCourier() {
		return &Reply{
			Text:     "החשבון שלך עדיין לא אושר כשליח.",
			NewState: CourierPendingApproval,
		}, nil
	}

	sel := choice(input)
	switch {
	case sess.CurrentState == CourierDeposit:
		return courierDeposit(ctx, deps, user, input)

	case sess.CurrentState == CourierChangeArea:
		area := validation.Sanitize(input.Text)
		if area == "" {
			return &Reply{Text: "הזן אזור שירות:"}, nil
		}
		user.ServiceArea = &area
		if err := deps.Users.UpdateCourierProfile(ctx, user); err != nil {
			return nil, err
		}
		r := courierMenuReply(user)
		r.Text = fmt.Sprintf("אזור השירות עודכן ל: %s", validation.SanitizeForHTML(area))
		return r, nil

	case sess.CurrentState == CourierSupport:
		return courierSupport(ctx, deps, user, input)

	case sel == "courier:available":
		return courierAvailableList(ctx, deps)

	case sel == "courier:active":
		return courierActiveList(ctx, deps, user)

	case sel == "courier:history":
		return courierHistoryList(ctx, deps, user)

	case sel == "courier:wallet":
		return courierWallet(ctx, deps, user)

	case sel == "courier:area":
		return &Reply{
			Text:     "באיזה אזור תרצה לעבוד?",
			NewState: CourierChangeArea,
		}, nil

	case sel == "courier:deposit":
		return &Reply{
			Text:     "כמה הפקדת? (בשקלים)",
			NewState: CourierDeposit,
		}, nil

	case sel == "courier:support":
		return &Reply{
			Text:     "כתוב את הפנייה שלך ונעביר אותה לתמיכה:",
			NewState: CourierSupport,
		}, nil

	case sel == "courier:dispatch":
		return courierDispatchEntry(ctx, deps, user)

	case strings.HasPrefix(sel, "courier:dispatch_for:"):
		return courierDispatchFor(ctx, deps, user, strings.TrimPrefix(sel, "courier:dispatch_for:"))

	case strings.HasPrefix(sel, "capture:"):
		return courierCapture(ctx, deps, user, strings.TrimPrefix(sel, "capture:"))

	case strings.HasPrefix(sel, "pickup:"):
		return courierTransition(ctx, deps, user, strings.TrimPrefix(sel, "pickup:"), false)

	case strings.HasPrefix(sel, "deliver:"):
		return courierTransition(ctx, deps, user, strings.TrimPrefix(sel, "deliver:"), true)

	default:
		return courierMenuFor(ctx, deps, user)
	}
}

// courierDispatchEntry switches a courier with dispatcher permissions into
// the dispatcher menu, pinning the station when there is exactly one.
func courierDispatchEntry(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	stations, err := deps.Stations.StationsDispatchedBy(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	switch len(stations) {
	case 0:
		r := courierMenuReply(user)
		r.Text = "אין לך הרשאות סדרן."
		return r, nil
	case 1:
		r := dispatcherMenuFor(user)
		r.Patch = map[string]any{"station_id": strconv.FormatInt(stations[0].ID, 10)}
		return r, nil
	default:
		var keyboard [][]models.Button
		for _, st := range stations {
			keyboard = append(keyboard, []models.Button{{
				Text: st.Name,
				Data: "courier:dispatch_for:" + strconv.FormatInt(st.ID, 10),
			}})
		}
		return &Reply{Text: "לאיזו תחנה?", Keyboard: keyboard, NewState: CourierMenu}, nil
	}
}

func courierDispatchFor(ctx context.Context, deps Deps, user *models.User, idStr string) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return courierMenuFor(ctx, deps, user)
	}
	ok, err := deps.Stations.IsDispatcher(ctx, id, user.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		r := courierMenuReply(user)
		r.Text = "אין לך הרשאות סדרן בתחנה הזו."
		return r, nil
	}
	r := dispatcherMenuFor(user)
	r.Patch = map[string]any{"station_id": idStr}
	return r, nil
}

// courierSupport forwards one free-text message to the support channel.
func courierSupport(ctx context.Context, deps Deps, user *models.User, input Input) (*Reply, error) {
	text := validation.Sanitize(input.Text)
	if text == "" {
		return &Reply{Text: "כתוב את הפנייה שלך:"}, nil
	}
	if err := deps.Notify.SupportRequest(ctx, user, text); err != nil {
		return nil, err
	}
	r := courierMenuReply(user)
	r.Text = "הפנייה התקבלה, ניצור איתך קשר בהקדם."
	return r, nil
}

func courierAvailableList(ctx context.Context, deps Deps) (*Reply, error) {
	open, err := deps.Deliveries.ListOpen(ctx, 10)
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		r := courierMenuReply(nil)
		r.Text = "אין משלוחים זמינים כרגע."
		return r, nil
	}

	text := "<b>משלוחים זמינים:</b>\n"
	var keyboard [][]models.Button
	for _, d := range open {
		text += fmt.Sprintf("#%d | %s → %s | ₪%s\n",
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			d.Fee.StringFixed(2))
		keyboard = append(keyboard, []models.Button{{
			Text: fmt.Sprintf("תפוס משלוח #%d", d.ID),
			Data: "capture:" + d.Token,
		}})
	}
	return &Reply{Text: text, Keyboard: keyboard, NewState: CourierMenu}, nil
}

func courierActiveList(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	active, err := deps.Deliveries.ListByCourier(ctx, user.ID,
		[]models.DeliveryStatus{models.DeliveryCaptured, models.DeliveryInProgress}, 10)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		r := courierMenuReply(user)
		r.Text = "אין לך משלוחים פעילים."
		return r, nil
	}

	text := "<b>המשלוחים הפעילים שלך:</b>\n"
	var keyboard [][]models.Button
	for _, d := range active {
		text += fmt.Sprintf("#%d | %s → %s | %s\n",
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			statusLabel(d.Status))
		id := strconv.FormatInt(d.ID, 10)
		switch d.Status {
		case models.DeliveryCaptured:
			keyboard = append(keyboard, []models.Button{{Text: fmt.Sprintf("אספתי את #%d", d.ID), Data: "pickup:" + id}})
		case models.DeliveryInProgress:
			keyboard = append(keyboard, []models.Button{{Text: fmt.Sprintf("מסרתי את #%d", d.ID), Data: "deliver:" + id}})
		}
	}
	return &Reply{Text: text, Keyboard: keyboard, NewState: CourierMenu}, nil
}

func courierHistoryList(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	done, err := deps.Deliveries.ListByCourier(ctx, user.ID,
		[]models.DeliveryStatus{models.DeliveryDelivered}, 10)
	if err != nil {
		return nil, err
	}
	if len(done) == 0 {
		r := courierMenuReply(user)
		r.Text = "עוד לא מסרת משלוחים."
		return r, nil
	}

	text := "<b>משלוחים שמסרת:</b>\n"
	for _, d := range done {
		when := ""
		if d.DeliveredAt != nil {
			when = d.DeliveredAt.Format("02/01") + " | "
		}
		text += fmt.Sprintf("%s#%d | %s → %s | ₪%s\n",
			when,
			d.ID,
			validation.SanitizeForHTML(d.PickupAddress),
			validation.SanitizeForHTML(d.DropoffAddress),
			d.Fee.StringFixed(2))
	}
	r := courierMenuReply(user)
	r.Text = text
	return r, nil
}

func courierWallet(ctx context.Context, deps Deps, user *models.User) (*Reply, error) {
	wallet, err := deps.Wallets.GetOrCreate(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	history, err := deps.Wallets.History(ctx, user.ID, 5)
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf("<b>הארנק שלך</b>\nיתרה: ₪%s\nמסגרת אשראי: ₪%s\n",
		wallet.Balance.StringFixed(2), wallet.CreditLimit.StringFixed(2))
	if len(history) > 0 {
		text += "\nתנועות אחרונות:\n"
		for _, e := range history {
			text += fmt.Sprintf("%s | ₪%s | %s\n",
				e.CreatedAt.Format("02/01"), e.Amount.StringFixed(2),
				validation.SanitizeForHTML(e.Description))
		}
	}
	r := courierMenuReply(user)
	r.Text = text
	return r, nil
}

// courierDeposit records a reported cash deposit as a payment ledger credit.
// The station verifies the deposit out of band; the ledger row is the record.
func courierDeposit(ctx context.Context, deps Deps, user *models.User, input Input) (*Reply, error) {
	amount, ok := validation.ParseAmount(input.Text)
	if !ok {
		return &Reply{Text: "סכום לא תקין. הזן סכום בשקלים:"}, nil
	}

	entry, err := deps.Wallets.Credit(ctx, user.ID, nil, amount,
		models.EntryPayment, "הפקדה בדיווח עצמי")
	if err != nil {
		e := apperr.As(err)
		if e.Code == apperr.ErrAmountOutOfRange.Code {
			return &Reply{Text: e.Message}, nil
		}
		return nil, err
	}

	r := courierMenuReply(user)
	r.Text = fmt.Sprintf("ההפקדה נרשמה. יתרה חדשה: ₪%s", entry.BalanceAfter.StringFixed(2))
	return r, nil
}

// courierCapture claims a shipment by its smart-link token. Business
// rejections (taken, credit, blacklist) become user messages instead of
// errors. A station shipment taken by a non-dispatcher lands in
// PENDING_APPROVAL; the courier is told to wait for the ruling.
func courierCapture(ctx context.Context, deps Deps, user *models.User, tok string) (*Reply, error) {
	d, err := deps.Deliveries.CaptureByToken(ctx, tok, user.ID, nil)
	if err != nil {
		if msg, ok := captureRejection(err); ok {
			r := courierMenuReply(user)
			r.Text = msg
			return r, nil
		}
		return nil, err
	}
	r := courierMenuReply(user)
	if d.Status == models.DeliveryPendingApproval {
		r.Text = fmt.Sprintf("<b>הבקשה נשלחה לסדרן.</b>\nמשלוח #%d ממתין לאישור, נעדכן אותך כשתתקבל החלטה.", d.ID)
		return r, nil
	}
	r.Text = fmt.Sprintf("<b>המשלוח #%d שלך!</b>\nאיסוף: %s\nמסירה: %s\nחויבת ₪%s",
		d.ID,
		validation.SanitizeForHTML(d.PickupAddress),
		validation.SanitizeForHTML(d.DropoffAddress),
		d.Fee.StringFixed(2))
	return r, nil
}

func captureRejection(err error) (string, bool) {
	e := apperr.As(err)
	switch e.Code {
	case apperr.ErrDeliveryNotAvailable.Code,
		apperr.ErrDeliveryNotFound.Code,
		apperr.ErrInsufficientCredit.Code,
		apperr.ErrCourierBlacklisted.Code,
		apperr.ErrDuplicateCharge.Code:
		return e.Message, true
	}
	return "", false
}

func courierTransition(ctx context.Context, deps Deps, user *models.User, idStr string, delivered bool) (*Reply, error) {
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		r := courierMenuReply(user)
		r.Text = "משלוח לא נמצא."
		return r, nil
	}

	if delivered {
		err = deps.Deliveries.MarkDelivered(ctx, id, user.ID)
	} else {
		err = deps.Deliveries.MarkPickedUp(ctx, id, user.ID)
	}
	if err != nil {
		e := apperr.As(err)
		if e.Code == apperr.ErrInvalidStateTransition.Code || e.Code == apperr.ErrDeliveryNotFound.Code {
			r := courierMenuReply(user)
			r.Text = e.Message
			return r, nil
		}
		return nil, err
	}

	r := courierMenuReply(user)
	if delivered {
		r.Text = fmt.Sprintf("משלוח #%d נמסר, כל הכבוד!", id)
	} else {
		r.Text = fmt.Sprintf("משלוח #%d נאסף. דרך צלחה!", id)
	}
	return r, nil
}
