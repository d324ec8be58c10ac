package types

type PaymentProvider string

const (
	PaymentProviderApple       PaymentProvider = "apple"
	PaymentProviderCard        PaymentProvider = "card"
	PaymentProviderMobileMoney PaymentProvider = "mobile_money"
	PaymentProviderInner       PaymentProvider = "inner"
)

// Plan is a subscription tier from the configured catalogue.
type Plan struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	// Price is in minor units of Currency.
	Price         int64    `json:"price" mapstructure:"price"`
	Currency      string   `json:"currency" mapstructure:"currency"`
	PeriodDays    int      `json:"period_days" mapstructure:"period_days"`
	AutoRenewable bool     `json:"auto_renewable" mapstructure:"auto_renewable"`
	Entitlements  []string `json:"entitlements" mapstructure:"entitlements"`
	// ProviderItemIDs maps a provider to its product identifier, e.g. the App Store product id.
	ProviderItemIDs map[PaymentProvider]string `json:"provider_item_ids" mapstructure:"provider_item_ids"`
}

// Cheaper reports whether p is a lower tier than other by price.
func (p *Plan) Cheaper(other *Plan) bool {
	return p != nil && other != nil && p.Price < other.Price
}
