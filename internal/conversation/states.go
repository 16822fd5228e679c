// Package conversation implements the per-user chat state machine: state
// graphs per role, transition validation with copy-on-write context, and the
// role-specific flow handlers.
package conversation

import "strings"

// Conversation states. Dotted names carry the role prefix; INITIAL is the
// pre-registration entry state shared by all roles.
const (
	StateInitial = "INITIAL"

	SenderCollectName      = "SENDER.REGISTER.COLLECT_NAME"
	SenderMenu             = "SENDER.MENU"
	SenderPickupCity       = "SENDER.NEW_DELIVERY.PICKUP_CITY"
	SenderPickupStreet     = "SENDER.NEW_DELIVERY.PICKUP_STREET"
	SenderPickupNumber     = "SENDER.NEW_DELIVERY.PICKUP_NUMBER"
	SenderPickupApartment  = "SENDER.NEW_DELIVERY.PICKUP_APARTMENT"
	SenderDropoffCity      = "SENDER.NEW_DELIVERY.DROPOFF_CITY"
	SenderDropoffStreet    = "SENDER.NEW_DELIVERY.DROPOFF_STREET"
	SenderDropoffNumber    = "SENDER.NEW_DELIVERY.DROPOFF_NUMBER"
	SenderDropoffApartment = "SENDER.NEW_DELIVERY.DROPOFF_APARTMENT"
	SenderUrgency          = "SENDER.NEW_DELIVERY.URGENCY"
	SenderScheduleTime     = "SENDER.NEW_DELIVERY.SCHEDULE_TIME"
	SenderDeliveryFee      = "SENDER.NEW_DELIVERY.FEE"
	SenderDeliveryNotes    = "SENDER.NEW_DELIVERY.NOTES"
	SenderDeliveryConfirm  = "SENDER.NEW_DELIVERY.CONFIRM"

	CourierCollectName     = "COURIER.ONBOARD.COLLECT_NAME"
	CourierIDDocument      = "COURIER.ONBOARD.ID_DOCUMENT"
	CourierSelfie          = "COURIER.ONBOARD.SELFIE"
	CourierVehicleCategory = "COURIER.ONBOARD.VEHICLE_CATEGORY"
	CourierVehicleDoc      = "COURIER.ONBOARD.VEHICLE_DOC"
	CourierTerms           = "COURIER.ONBOARD.TERMS"
	CourierConfirmRestart  = "COURIER.ONBOARD.CONFIRM_RESTART"
	CourierPendingApproval = "COURIER.PENDING_APPROVAL"
	CourierMenu            = "COURIER.MENU"
	CourierChangeArea      = "COURIER.CHANGE_AREA"
	CourierDeposit         = "COURIER.DEPOSIT_AMOUNT"
	CourierSupport         = "COURIER.SUPPORT"

	DispatcherMenu        = "DISPATCHER.MENU"
	DispatcherShipPickup  = "DISPATCHER.ADD_SHIPMENT.PICKUP"
	DispatcherShipDropoff = "DISPATCHER.ADD_SHIPMENT.DROPOFF"
	DispatcherShipFee     = "DISPATCHER.ADD_SHIPMENT.FEE"
	DispatcherShipConfirm = "DISPATCHER.ADD_SHIPMENT.CONFIRM"
	DispatcherChargeWho   = "DISPATCHER.CHARGE.COURIER"
	DispatcherChargeSum   = "DISPATCHER.CHARGE.AMOUNT"
	DispatcherChargeDesc  = "DISPATCHER.CHARGE.DESCRIPTION"
	DispatcherChargeOK    = "DISPATCHER.CHARGE.CONFIRM"

	StationMenu             = "STATION.MENU"
	StationDispatchers      = "STATION.DISPATCHERS"
	StationDispatcherAdd    = "STATION.DISPATCHERS.ADD"
	StationOwners           = "STATION.OWNERS"
	StationOwnerAdd         = "STATION.OWNERS.ADD"
	StationOwnerRemoveCheck = "STATION.OWNERS.REMOVE_CONFIRM"
	StationWallet           = "STATION.WALLET"
	StationSetRate          = "STATION.WALLET.SET_RATE"
	StationBlacklist        = "STATION.BLACKLIST"
	StationBlacklistAdd     = "STATION.BLACKLIST.ADD"
	StationBlacklistReason  = "STATION.BLACKLIST.ADD_REASON"
	StationGroupSettings    = "STATION.GROUP"
	StationGroupSet         = "STATION.GROUP.SET"
)

// graph is the directed multigraph of allowed transitions. A self-edge is
// always allowed (re-prompt on invalid input). Edges not listed here are
// rejected unless forced.
var graph = map[string][]string{
	StateInitial: {SenderCollectName, CourierCollectName, SenderMenu, CourierMenu, DispatcherMenu, StationMenu},

	SenderCollectName:      {SenderMenu},
	SenderMenu:             {SenderPickupCity, CourierCollectName, StateInitial},
	SenderPickupCity:       {SenderPickupStreet, SenderMenu},
	SenderPickupStreet:     {SenderPickupNumber, SenderMenu},
	SenderPickupNumber:     {SenderPickupApartment, SenderMenu},
	SenderPickupApartment:  {SenderDropoffCity, SenderMenu},
	SenderDropoffCity:      {SenderDropoffStreet, SenderMenu},
	SenderDropoffStreet:    {SenderDropoffNumber, SenderMenu},
	SenderDropoffNumber:    {SenderDropoffApartment, SenderMenu},
	SenderDropoffApartment: {SenderUrgency, SenderMenu},
	SenderUrgency:          {SenderScheduleTime, SenderDeliveryFee, SenderMenu},
	SenderScheduleTime:     {SenderDeliveryFee, SenderMenu},
	SenderDeliveryFee:      {SenderDeliveryNotes, SenderMenu},
	SenderDeliveryNotes:    {SenderDeliveryConfirm, SenderMenu},
	SenderDeliveryConfirm:  {SenderMenu},

	CourierCollectName:     {CourierIDDocument, SenderMenu},
	CourierIDDocument:      {CourierSelfie},
	CourierSelfie:          {CourierVehicleCategory},
	CourierVehicleCategory: {CourierVehicleDoc},
	CourierVehicleDoc:      {CourierTerms},
	CourierTerms:           {CourierPendingApproval},
	CourierConfirmRestart:  {CourierCollectName, CourierIDDocument, CourierSelfie, CourierVehicleCategory, CourierVehicleDoc, CourierTerms},
	CourierPendingApproval: {CourierMenu, StateInitial},
	CourierMenu:            {CourierChangeArea, CourierDeposit, CourierSupport, DispatcherMenu, StateInitial},
	CourierChangeArea:      {CourierMenu},
	CourierDeposit:         {CourierMenu},
	CourierSupport:         {CourierMenu},

	DispatcherMenu:        {DispatcherShipPickup, DispatcherChargeWho, CourierMenu, StateInitial},
	DispatcherShipPickup:  {DispatcherShipDropoff, DispatcherMenu},
	DispatcherShipDropoff: {DispatcherShipFee, DispatcherMenu},
	DispatcherShipFee:     {DispatcherShipConfirm, DispatcherMenu},
	DispatcherShipConfirm: {DispatcherMenu},
	DispatcherChargeWho:   {DispatcherChargeSum, DispatcherMenu},
	DispatcherChargeSum:   {DispatcherChargeDesc, DispatcherMenu},
	DispatcherChargeDesc:  {DispatcherChargeOK, DispatcherMenu},
	DispatcherChargeOK:    {DispatcherMenu},

	StationMenu:             {StationDispatchers, StationOwners, StationWallet, StationBlacklist, StationGroupSettings, StateInitial},
	StationDispatchers:      {StationDispatcherAdd, StationMenu},
	StationDispatcherAdd:    {StationDispatchers, StationMenu},
	StationOwners:           {StationOwnerAdd, StationOwnerRemoveCheck, StationMenu},
	StationOwnerAdd:         {StationOwners, StationMenu},
	StationOwnerRemoveCheck: {StationOwners, StationMenu},
	StationWallet:           {StationSetRate, StationMenu},
	StationSetRate:          {StationWallet, StationMenu},
	StationBlacklist:        {StationBlacklistAdd, StationMenu},
	StationBlacklistAdd:     {StationBlacklistReason, StationBlacklist, StationMenu},
	StationBlacklistReason:  {StationBlacklist, StationMenu},
	StationGroupSettings:    {StationGroupSet, StationMenu},
	StationGroupSet:         {StationGroupSettings, StationMenu},
}

// AllowedTransition reports whether the state machine permits from -> to.
// Self-edges (re-prompt) and the universal reset edge to INITIAL are always
// allowed. An origin missing from the graph is a corrupted session; recovery
// to any state is permitted rather than wedging the user.
func AllowedTransition(from, to string) bool {
	if from == to || to == StateInitial {
		return true
	}
	edges, ok := graph[from]
	if !ok {
		return true
	}
	for _, next := range edges {
		if next == to {
			return true
		}
	}
	return false
}

// multiStepPrefixes are the flow families in which free text is data, not
// navigation. While a session is inside one of these, global keyword matching
// ("menu", "back") is suppressed so an address like "menu street 5" cannot
// derail the flow.
var multiStepPrefixes = []string{
	"SENDER.REGISTER.",
	"SENDER.NEW_DELIVERY.",
	"COURIER.ONBOARD.",
	"DISPATCHER.ADD_SHIPMENT.",
	"DISPATCHER.CHARGE.",
	"STATION.",
}

// IsInMultiStepFlow reports whether the state belongs to a guarded multi-step
// flow.
func IsInMultiStepFlow(state string) bool {
	for _, p := range multiStepPrefixes {
		if strings.HasPrefix(state, p) {
			return true
		}
	}
	return false
}

// RolePrefix returns the role family of a state name ("SENDER", "COURIER",
// "DISPATCHER", "STATION" or "INITIAL").
func RolePrefix(state string) string {
	if i := strings.IndexByte(state, '.'); i > 0 {
		return state[:i]
	}
	return state
}
