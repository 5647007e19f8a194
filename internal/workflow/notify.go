package workflow

import (
	"context"
	"fmt"
	"log/slog"

	notifgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/notifications"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
)

// Notifier records workflow notifications. Every call is best-effort:
// a failure to notify must never leave the workflow stuck, so errors
// are logged and swallowed. Dispatch only after the primary transition
// has committed.
type Notifier struct {
	notifs *notifgorm.Repo
	users  *usersgorm.Repo
}

func NewNotifier(notifs *notifgorm.Repo, users *usersgorm.Repo) *Notifier {
	return &Notifier{notifs: notifs, users: users}
}

func (n *Notifier) send(ctx context.Context, rec *notifgorm.NotificationRecord) {
	if n == nil || n.notifs == nil || rec.RecipientID == "" {
		return
	}
	if err := n.notifs.Create(ctx, rec); err != nil {
		slog.Error("notification create", "event", rec.Event, "recipient", rec.RecipientID, "error", err)
	}
}

// ApprovalRequested tells the next approver it is their turn.
func (n *Notifier) ApprovalRequested(ctx context.Context, approverID, actorID, entityType, entityID, title string, level int) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: approverID,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Event:       "approval.requested",
		Title:       fmt.Sprintf("Approval needed (level %d)", level),
		Body:        fmt.Sprintf("%q is waiting for your approval.", title),
		Priority:    notifgorm.PriorityNormal,
	})
}

// Approved tells the owner their entity reached APPROVED.
func (n *Notifier) Approved(ctx context.Context, ownerID, actorID, entityType, entityID, title string) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: ownerID,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Event:       "approval.final",
		Title:       "Approved",
		Body:        fmt.Sprintf("%q has been fully approved.", title),
		Priority:    notifgorm.PriorityNormal,
	})
}

// Rejected tells the owner, then fans out to every admin at LOW
// priority for audit visibility.
func (n *Notifier) Rejected(ctx context.Context, ownerID, actorID, entityType, entityID, title, reason string) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: ownerID,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Event:       "approval.rejected",
		Title:       "Rejected",
		Body:        fmt.Sprintf("%q was rejected: %s", title, reason),
		Priority:    notifgorm.PriorityHigh,
	})
	admins, err := n.users.ListByRole(ctx, usersgorm.RoleAdmin)
	if err != nil {
		slog.Error("admin fan-out lookup", "error", err)
		return
	}
	for _, a := range admins {
		if a.ID == ownerID {
			continue
		}
		n.send(ctx, &notifgorm.NotificationRecord{
			RecipientID: a.ID,
			ActorID:     actorID,
			EntityType:  entityType,
			EntityID:    entityID,
			Event:       "approval.rejected",
			Title:       "Rejection recorded",
			Body:        fmt.Sprintf("%q was rejected: %s", title, reason),
			Priority:    notifgorm.PriorityLow,
		})
	}
}

// ReturnedToStaff tells the owner their entity is editable again.
func (n *Notifier) ReturnedToStaff(ctx context.Context, ownerID, actorID, entityType, entityID, title, reason string) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: ownerID,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Event:       "workflow.returned",
		Title:       "Returned for changes",
		Body:        fmt.Sprintf("%q was returned: %s", title, reason),
		Priority:    notifgorm.PriorityHigh,
	})
}

// ChangeRequested tells the owner an amendment was requested.
func (n *Notifier) ChangeRequested(ctx context.Context, ownerID, actorID, entityID, title, reason string) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: ownerID,
		ActorID:     actorID,
		EntityType:  "KPI",
		EntityID:    entityID,
		Event:       "change_request.issued",
		Title:       "Change requested",
		Body:        fmt.Sprintf("A change was requested on %q: %s", title, reason),
		Priority:    notifgorm.PriorityHigh,
	})
}

// ChangeResolved tells the requester the owner resolved their request.
func (n *Notifier) ChangeResolved(ctx context.Context, requesterID, actorID, entityID, title string) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: requesterID,
		ActorID:     actorID,
		EntityType:  "KPI",
		EntityID:    entityID,
		Event:       "change_request.resolved",
		Title:       "Change request resolved",
		Body:        fmt.Sprintf("The change request on %q was resolved.", title),
		Priority:    notifgorm.PriorityNormal,
	})
}

// Reassigned tells the new approver an item landed in their queue.
func (n *Notifier) Reassigned(ctx context.Context, newApproverID, actorID, entityType, entityID, title string, level int) {
	n.send(ctx, &notifgorm.NotificationRecord{
		RecipientID: newApproverID,
		ActorID:     actorID,
		EntityType:  entityType,
		EntityID:    entityID,
		Event:       "approval.reassigned",
		Title:       fmt.Sprintf("Approval reassigned to you (level %d)", level),
		Body:        fmt.Sprintf("%q now waits for your approval.", title),
		Priority:    notifgorm.PriorityNormal,
	})
}
