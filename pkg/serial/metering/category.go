package metering

// Category is the billing classification of a metered operation.
type Category string

// Billing categories.
const (
	// CategorySetup covers preparation-like work: onboarding, connector
	// configuration, metadata building, publishing.
	CategorySetup Category = "setup"
	// CategoryData covers query-like work: search, SQL, chat.
	CategoryData Category = "data"
)

// Default per-operation costs in USD.
const (
	DefaultSetupCost = 0.01
	DefaultDataCost  = 0.03
)

// DefaultCost returns the default cost for a category.
func DefaultCost(category Category) float64 {
	if category == CategorySetup {
		return DefaultSetupCost
	}
	return DefaultDataCost
}

// setupViews are the co-pilot UI views whose operations bill as setup work.
var setupViews = map[string]bool{
	"onboarding":       true,
	"setup":            true,
	"connectivity":     true,
	"metadata_builder": true,
	"publish":          true,
}

// ClassifyView maps an active co-pilot view name to a billing category.
// Unknown or absent views classify as data.
func ClassifyView(view string) Category {
	if setupViews[view] {
		return CategorySetup
	}
	return CategoryData
}
