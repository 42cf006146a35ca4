package billing

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/warp/assessment-engine/assessment"
)

const (
	// PriceSettingKey is the system setting holding the per-user price.
	PriceSettingKey = "price_per_user"

	// DefaultPricePerUser applies when the setting is unset or unreadable.
	DefaultPricePerUser = "4.35"
)

// Pricing reads the per-user price fresh on every call.
type Pricing struct {
	store    assessment.Store
	fallback decimal.Decimal
}

func NewPricing(store assessment.Store, fallback decimal.Decimal) *Pricing {
	if !fallback.IsPositive() {
		fallback = decimal.RequireFromString(DefaultPricePerUser)
	}
	return &Pricing{store: store, fallback: fallback}
}

// PriceIn reads the price inside an existing transaction.
func (p *Pricing) PriceIn(ctx context.Context, tx assessment.Tx) (decimal.Decimal, error) {
	raw, ok, err := tx.GetSetting(ctx, PriceSettingKey)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return p.fallback, nil
	}

	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		log.Warn().Str("value", raw).Msg("invalid price_per_user setting, using default")
		return p.fallback, nil
	}
	return price, nil
}

// PricePerUser returns the current price.
func (p *Pricing) PricePerUser(ctx context.Context) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := assessment.RunTx(ctx, p.store, func(tx assessment.Tx) error {
		var err error
		price, err = p.PriceIn(ctx, tx)
		return err
	})
	return price, err
}

// SetPricePerUser stores a new price. It applies to the next charge.
func (p *Pricing) SetPricePerUser(ctx context.Context, amount decimal.Decimal, updatedBy string) error {
	if !amount.IsPositive() {
		return assessment.ErrInvalidAmount
	}
	err := assessment.RunTx(ctx, p.store, func(tx assessment.Tx) error {
		return tx.PutSetting(ctx, PriceSettingKey, amount.String(), updatedBy)
	})
	if err != nil {
		return err
	}

	log.Info().Str("price", amount.StringFixed(2)).Str("updated_by", updatedBy).Msg("price per user updated")
	return nil
}
