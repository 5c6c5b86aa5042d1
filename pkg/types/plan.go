package types

// Plan is a fixed-price tariff. Price is stored in minor units (kopecks).
type Plan struct {
	ID          string `json:"id" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Description string `json:"description" mapstructure:"description"`
	Icon        string `json:"icon" mapstructure:"icon"`
	Price       int64  `json:"price" mapstructure:"price"`
	Days        int    `json:"days" mapstructure:"days"`
	// Trial plans can be bought once per subscriber and never earn a referral bonus.
	Trial bool `json:"trial" mapstructure:"trial"`
}

func (p *Plan) IsTrial() bool {
	return p != nil && p.Trial
}

// QualifiesForReferral reports whether a paid purchase of this plan credits the referrer.
func (p *Plan) QualifiesForReferral() bool {
	return p != nil && !p.Trial
}

// DefaultPlans mirrors the tariffs sold in production.
func DefaultPlans() []*Plan {
	return []*Plan{
		{ID: "trial", Name: "3 days", Description: "Trial", Icon: "trial", Price: 1000, Days: 3, Trial: true},
		{ID: "month", Name: "1 month", Description: "Most popular", Icon: "month", Price: 19900, Days: 30},
		{ID: "quarter", Name: "3 months", Description: "Best value", Icon: "quarter", Price: 54900, Days: 90},
	}
}
