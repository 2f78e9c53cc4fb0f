package models

// Requests for the alert registration API. Defined in domain for consistency and reuse.

type CreateAlertRequest struct {
	Symbol    string `json:"symbol" validate:"omitempty,min=1,max=12"`
	Message   string `json:"message" validate:"required,max=4000"`
	GuildID   uint64 `json:"guild_id"`
	ChannelID uint64 `json:"channel_id" validate:"required"`
	// ReferencePrice is a decimal string. When empty, the last observed
	// quote for the symbol is used instead.
	ReferencePrice string `json:"reference_price" validate:"omitempty"`
	Format         string `json:"format" default:"freeform" validate:"oneof=freeform block"`
}

type ListAlertsRequest struct {
	Symbol string `query:"symbol" json:"symbol" validate:"omitempty,min=1,max=12"`
}

type DeleteAlertRequest struct {
	Symbol  string `param:"symbol" json:"symbol" validate:"required,min=1,max=12"`
	AlertID string `param:"id" json:"alert_id" validate:"required,uuid4"`
}
