package capabilities

// Deps bundles the concrete backends the default capability table
// dispatches into.
type Deps struct {
	DB              DB
	HTTPClient      *SafeHTTPClient
	EventPublisher  Publisher
	AllowPatternFor AllowPatternFor
	UtilsLimiter    *UtilsLimiter
}

// BuildDefaultTable registers every namespace the broker supports:
// database, http, events, log, utils.
func BuildDefaultTable(deps Deps) (*Table, error) {
	t := NewTable()

	if deps.UtilsLimiter == nil {
		deps.UtilsLimiter = NewUtilsLimiter()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = NewSafeHTTPClient()
	}

	if err := RegisterLog(t); err != nil {
		return nil, err
	}
	if err := RegisterUtils(t, deps.UtilsLimiter); err != nil {
		return nil, err
	}
	if deps.DB != nil {
		if err := RegisterDatabase(t, deps.DB); err != nil {
			return nil, err
		}
	}
	if err := RegisterHTTP(t, deps.HTTPClient); err != nil {
		return nil, err
	}
	if deps.EventPublisher != nil && deps.AllowPatternFor != nil {
		if err := RegisterEvents(t, deps.EventPublisher, deps.AllowPatternFor); err != nil {
			return nil, err
		}
	}

	return t, nil
}
