package metering

import "fmt"

// UnprovisionedError is raised when a chargeable operation arrives before
// the instance has any serial.
type UnprovisionedError struct{}

func (e *UnprovisionedError) Error() string {
	return "instance is not provisioned"
}

// ActivationRequiredError is raised when data operations arrive before the
// instance has exchanged its bootstrap token for an install token.
type ActivationRequiredError struct {
	Serial string
}

func (e *ActivationRequiredError) Error() string {
	return "instance activation required"
}

// CreditExhaustedError is raised when the authority denies a chargeable
// operation, or when offline allowances run out. Only the fields here may
// surface to the client; there is no internal detail to leak.
type CreditExhaustedError struct {
	Category          Category
	Reason            string
	RemainingUSD      string
	SetupRemainingUSD string
	PaymentEnabled    bool
	Serial            string
}

func (e *CreditExhaustedError) Error() string {
	return fmt.Sprintf("credits exhausted for %s: %s", e.Category, e.Reason)
}
