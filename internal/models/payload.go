package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payload is the typed body of an intent. Each intent type has exactly one
// payload variant.
type Payload interface {
	IntentType() IntentType
}

type RegisterPayload struct {
	// AffiliateID is the referring affiliate, if any.
	AffiliateID string `json:"affiliate_id,omitempty"`
	// Amount overrides the program fee when positive.
	Amount decimal.Decimal `json:"amount"`
}

func (RegisterPayload) IntentType() IntentType { return IntentRegister }

type ClaimPayload struct {
	Asset  string          `json:"asset,omitempty"`
	Cycle  string          `json:"cycle,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

func (ClaimPayload) IntentType() IntentType { return IntentClaim }

type CommercePayload struct {
	ChargeID string          `json:"charge_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency,omitempty"`
}

func (CommercePayload) IntentType() IntentType { return IntentCommercePayment }

type PayoutPayload struct {
	AffiliateID string `json:"affiliate_id"`
	Period      string `json:"period"`
	PayoutID    string `json:"payout_id,omitempty"`
}

func (PayoutPayload) IntentType() IntentType { return IntentPayout }

// EncodePayload serializes a payload for storage.
func EncodePayload(p Payload) (datatypes.JSON, error) {
	if p == nil {
		return nil, fmt.Errorf("nil payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.IntentType(), err)
	}
	return datatypes.JSON(raw), nil
}

// DecodePayload restores the payload variant that belongs to the given intent type.
func DecodePayload(t IntentType, raw datatypes.JSON) (Payload, error) {
	switch t {
	case IntentRegister:
		return decodeAs[RegisterPayload](t, raw)
	case IntentClaim:
		return decodeAs[ClaimPayload](t, raw)
	case IntentCommercePayment:
		return decodeAs[CommercePayload](t, raw)
	case IntentPayout:
		return decodeAs[PayoutPayload](t, raw)
	}
	return nil, fmt.Errorf("unknown intent type %q", t)
}

func decodeAs[T Payload](t IntentType, raw datatypes.JSON) (Payload, error) {
	var p T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
		}
	}
	return p, nil
}
