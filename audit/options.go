package audit

import "log/slog"

// Option configures the audit extension.
type Option func(*Extension)

// WithActions restricts recording to the given actions. By default every
// action in AllActions is recorded.
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.actions = make(map[string]struct{}, len(actions))
		for _, a := range actions {
			e.actions[a] = struct{}{}
		}
	}
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extension) {
		e.logger = logger
	}
}
