package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	approvalsgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/approvals"
	changereqgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/changereq"
	perfgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/perf"
	proxyloggorm "github.com/kpiflow/kpiflow/internal/repo/gorm/proxylog"
	usersgorm "github.com/kpiflow/kpiflow/internal/repo/gorm/users"
)

// Admin proxy gateway: the same transition primitives as the normal
// actors, with authorization swapped for an ADMIN check and a
// ProxyAction appended per override.

// ProxyResult is the uniform response of proxy operations.
type ProxyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// resolveUserRef finds a user by id first, then by email. A miss on
// either is a NotFound error, never silently ignored.
func (e *Engine) resolveUserRef(ctx context.Context, ref string) (*usersgorm.UserAccount, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, E(KindValidation, "approver reference is required")
	}
	if u, err := e.users.Get(ctx, ref); err == nil {
		return u, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	u, err := e.users.GetByEmail(ctx, ref)
	if err != nil {
		return nil, notFoundOr(err, "no user with id or email %q", ref)
	}
	return u, nil
}

func requireReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return E(KindValidation, "a reason is required for proxy actions")
	}
	return nil
}

// pendingAtLevel fetches the PENDING row for a proxy override; absence
// is NotFound (there is nothing at that level to act on).
func (e *Engine) pendingAtLevel(ctx context.Context, kind, id string, level int) (*approvalsgorm.Approval, error) {
	if level < 1 || level > maxLevel {
		return nil, E(KindValidation, "level must be 1..%d", maxLevel)
	}
	ap, err := e.apprs.PendingAtLevel(ctx, kind, id, level)
	if err != nil {
		return nil, notFoundOr(err, "no pending approval at level %d", level)
	}
	return ap, nil
}

// ProxyApprove decides a pending approval on behalf of its approver.
// The chain then advances exactly as a normal approval would.
func (e *Engine) ProxyApprove(ctx context.Context, kind, id string, level int, callerID, reason, comment string) (*ProxyResult, error) {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ap, err := e.pendingAtLevel(ctx, kind, id, level)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(comment) == "" {
		comment = fmt.Sprintf("Approved by Admin %s", admin.DisplayName)
	}
	res, err := e.decideApprove(ctx, ent, ap, admin.ID, comment, &approvalsgorm.Override{
		ReassignedBy: admin.ID, ReassignedAt: time.Now().UTC(), ReassignReason: reason,
	})
	if err != nil {
		return nil, err
	}
	e.appendProxy(ctx, &proxyloggorm.ProxyAction{
		ActionType: proxyloggorm.ActionApproveAsManager, PerformedBy: admin.ID, TargetUserID: ap.ApproverID,
		EntityType: kind, EntityID: id, Level: ap.Level, Reason: reason, Comment: comment,
	}, map[string]any{"new_status": res.NewStatus, "next_level": res.NextLevel})
	e.auditLog("proxy.approve", admin.ID, id, map[string]string{"entity_type": kind, "level": fmt.Sprint(ap.Level)})
	e.metrics.CountApproved(ctx, kind, ap.Level, true)
	return &ProxyResult{Success: true, Message: fmt.Sprintf("approved at level %d as %s", ap.Level, ap.ApproverID)}, nil
}

// ProxyReject rejects on behalf of an approver. The comment is
// mandatory here (stricter than a normal reject, which needs only a
// reason) and doubles as the entity's rejection reason.
func (e *Engine) ProxyReject(ctx context.Context, kind, id string, level int, callerID, reason, comment string) (*ProxyResult, error) {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	if strings.TrimSpace(comment) == "" {
		return nil, E(KindValidation, "a comment is required for proxy rejection")
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ap, err := e.pendingAtLevel(ctx, kind, id, level)
	if err != nil {
		return nil, err
	}
	ov := &approvalsgorm.Override{ReassignedBy: admin.ID, ReassignedAt: time.Now().UTC(), ReassignReason: reason}
	if err := e.decideReject(ctx, ent, ap, admin.ID, comment, comment, ov); err != nil {
		return nil, err
	}
	e.appendProxy(ctx, &proxyloggorm.ProxyAction{
		ActionType: proxyloggorm.ActionRejectAsManager, PerformedBy: admin.ID, TargetUserID: ap.ApproverID,
		EntityType: kind, EntityID: id, Level: ap.Level, Reason: reason, Comment: comment,
	}, nil)
	e.auditLog("proxy.reject", admin.ID, id, map[string]string{"entity_type": kind, "level": fmt.Sprint(ap.Level)})
	e.metrics.CountRejected(ctx, kind, ap.Level, true)
	return &ProxyResult{Success: true, Message: fmt.Sprintf("rejected at level %d as %s", ap.Level, ap.ApproverID)}, nil
}

// ProxyReassign swaps the approver on the current PENDING row. Level
// and status stay untouched.
func (e *Engine) ProxyReassign(ctx context.Context, kind, id string, level int, callerID, newApproverRef, reason string) (*ProxyResult, error) {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	ap, err := e.pendingAtLevel(ctx, kind, id, level)
	if err != nil {
		return nil, err
	}
	nu, err := e.resolveUserRef(ctx, newApproverRef)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := e.apprs.Reassign(ctx, ap.ID, nu.ID, approvalsgorm.Override{
		ReassignedBy: admin.ID, ReassignedAt: now, ReassignReason: reason,
	}); err != nil {
		if errors.Is(err, approvalsgorm.ErrNotPending) {
			return nil, E(KindConflict, "approval decided during reassignment")
		}
		return nil, err
	}
	e.notify.Reassigned(ctx, nu.ID, admin.ID, kind, id, ent.Title, ap.Level)
	e.appendProxy(ctx, &proxyloggorm.ProxyAction{
		ActionType: proxyloggorm.ActionReassignApprover, PerformedBy: admin.ID, TargetUserID: nu.ID,
		EntityType: kind, EntityID: id, Level: ap.Level, Reason: reason,
	}, map[string]any{"previous_approver_id": ap.ApproverID, "new_approver_id": nu.ID})
	e.auditLog("proxy.reassign", admin.ID, id, map[string]string{"entity_type": kind, "level": fmt.Sprint(ap.Level), "to": nu.ID})
	return &ProxyResult{Success: true, Message: fmt.Sprintf("level %d approval reassigned to %s", ap.Level, nu.ID)}, nil
}

// ProxyReturnToStaff hands an in-flight entity back to its owner:
// every PENDING approval is cancelled with the admin's reason and the
// entity becomes editable again (KPI → CHANGE_REQUESTED, Actual →
// DRAFT). A later resubmit restarts the chain at level 1.
func (e *Engine) ProxyReturnToStaff(ctx context.Context, kind, id, callerID, reason string) (*ProxyResult, error) {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	ent, err := e.loadEntity(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if !ent.Status.Pending() {
		return nil, E(KindInvalidState, "cannot return an entity in status %s", ent.Status)
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := e.apprs.WithTx(tx).CancelAllPending(ctx, kind, id, reason); err != nil {
			return err
		}
		if err := e.perf.WithTx(tx).MarkReturned(ctx, kind, id, reason); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(KindConflict, "entity left the pending state concurrently")
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.notify.ReturnedToStaff(ctx, ent.OwnerID, admin.ID, kind, id, ent.Title, reason)
	e.appendProxy(ctx, &proxyloggorm.ProxyAction{
		ActionType: proxyloggorm.ActionReturnToStaff, PerformedBy: admin.ID, TargetUserID: ent.OwnerID,
		EntityType: kind, EntityID: id, Reason: reason,
	}, nil)
	e.auditLog("proxy.return_to_staff", admin.ID, id, map[string]string{"entity_type": kind})
	e.metrics.CountReturned(ctx, kind)
	return &ProxyResult{Success: true, Message: "returned to staff"}, nil
}

// ProxyIssueChangeRequest opens a change request against an APPROVED
// KPI and parks it in CHANGE_REQUESTED until the owner resolves it.
func (e *Engine) ProxyIssueChangeRequest(ctx context.Context, kpiID, staffUserID, callerID, changeType, reason string) (*ProxyResult, error) {
	admin, err := e.requireAdmin(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireReason(reason); err != nil {
		return nil, err
	}
	if strings.TrimSpace(staffUserID) == "" {
		return nil, E(KindValidation, "staff user id is required")
	}
	k, err := e.perf.GetKpi(ctx, kpiID)
	if err != nil {
		return nil, notFoundOr(err, "KPI %s not found", kpiID)
	}
	if k.OwnerID != staffUserID {
		return nil, E(KindValidation, "staff user %s does not own KPI %s", staffUserID, kpiID)
	}
	if k.Status != perfgorm.StatusApproved {
		return nil, E(KindInvalidState, "change requests apply to APPROVED KPIs, not %s", k.Status)
	}
	cr := &changereqgorm.ChangeRequest{
		KpiDefinitionID: kpiID,
		RequesterID:     admin.ID,
		ChangeType:      changeType,
		Reason:          reason,
		Status:          changereqgorm.StatusPending,
	}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.perf.WithTx(tx).MarkChangeRequested(ctx, kpiID, reason); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return E(KindConflict, "KPI left APPROVED concurrently")
			}
			return err
		}
		return e.creqs.WithTx(tx).Create(ctx, cr)
	})
	if err != nil {
		return nil, err
	}
	e.notify.ChangeRequested(ctx, k.OwnerID, admin.ID, kpiID, k.Title, reason)
	e.appendProxy(ctx, &proxyloggorm.ProxyAction{
		ActionType: proxyloggorm.ActionIssueChangeRequest, PerformedBy: admin.ID, TargetUserID: staffUserID,
		EntityType: approvalsgorm.EntityKPI, EntityID: kpiID, Reason: reason,
	}, map[string]any{"change_request_id": cr.ID, "change_type": changeType})
	e.auditLog("proxy.change_request", admin.ID, kpiID, map[string]string{"change_request_id": cr.ID})
	return &ProxyResult{Success: true, Message: "change request issued"}, nil
}

// appendProxy is a non-critical effect like notifications: log and
// continue on failure, after the primary transition committed.
func (e *Engine) appendProxy(ctx context.Context, p *proxyloggorm.ProxyAction, detail any) {
	if err := e.proxies.Append(ctx, p, detail); err != nil {
		// the override itself succeeded; losing the provenance row is
		// reported but not fatal
		e.auditLog("proxy.log_failed", p.PerformedBy, p.EntityID, map[string]string{"error": err.Error()})
	}
}
