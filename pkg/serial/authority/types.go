package authority

// ActivateResult is the outcome of an activation attempt. StatusCode 0 with
// a non-empty Error means the authority was unreachable.
type ActivateResult struct {
	Success      bool
	InstallToken string
	Error        string
	StatusCode   int
}

// MeterResult is the outcome of a meter call. A denial (Allowed=false with
// StatusCode 200 or 402) is a valid, authoritative response, not an error.
type MeterResult struct {
	Allowed        bool
	Category       string
	Cost           float64
	Remaining      string
	Reason         string
	PaymentEnabled bool
	Migrated       bool
	Error          string
	StatusCode     int
}

// StatusResult is the outcome of a status poll.
type StatusResult struct {
	Success    bool
	Data       map[string]any
	Migrated   bool
	Error      string
	StatusCode int
}

// RefreshResult is the outcome of an install-token refresh.
type RefreshResult struct {
	Success      bool
	InstallToken string
	Error        string
	StatusCode   int
}
