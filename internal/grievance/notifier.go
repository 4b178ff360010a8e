package grievance

import "context"

// Notification templates.
const (
	TemplateSubmitted         = "grievance_submitted"
	TemplateAssigned          = "grievance_assigned"
	TemplateOfficerAssignment = "officer_assignment"
	TemplateStatusUpdated     = "status_updated"
	TemplateResolved          = "grievance_resolved"
)

// Notification is a delivery request handed to an external notifier.
type Notification struct {
	Recipient string
	Template  string
	Fields    map[string]string
}

// Notifier forwards notification requests. Delivery outcome is not observed
// beyond the returned error, which callers only log.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
