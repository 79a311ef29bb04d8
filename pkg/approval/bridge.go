// Package approval implements the inbox bridge between a suspended
// execution and the humans who can unstick it: one inbox item per
// approver, a signed resume token carried in the notification, and an
// atomic approve/reject/dismiss transition that marks every sibling
// request stale the moment one of them is actioned.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/infrastructure/errors"
	"github.com/tripleh1701/pipelineforge/infrastructure/logging"
	"github.com/tripleh1701/pipelineforge/pkg/audit"
	"github.com/tripleh1701/pipelineforge/pkg/tenant"
)

// resumeTokenTTL bounds how long a minted resume token is accepted; the
// approval itself has no timeout (spec: "no timeout at this layer"), the
// token's own expiry is a separate, narrower safeguard against stale links.
const resumeTokenTTL = 7 * 24 * time.Hour

// inboxSKPrefix is the sort-key prefix every inbox item shares within its
// partition.
const inboxSKPrefix = "INBOX#"

// EmailFunc sends one approval-request notification. Failure is logged by
// the bridge and never propagated to the caller of Create.
type EmailFunc func(ctx context.Context, to, subject, body string) error

// Resumer is the slice of the execution coordinator the bridge needs:
// relaunching a suspended execution once its gating stage has an outcome.
type Resumer interface {
	ResumeApproval(ctx context.Context, accountID, executionID, stageID string, outcome pipeline.StageStatus) error
}

// Config configures a Bridge. SigningKey signs and verifies resume tokens;
// Email is optional (a nil Email makes Create a pure persistence op, useful
// in tests).
type Config struct {
	SigningKey []byte
	Email      EmailFunc
	// Audit records each notification attempt (sent/failed), per spec
	// §4.10's "records every outbound notification attempt" contract. Nil
	// disables audit recording without disabling notifications.
	Audit *audit.Recorder
}

// Bridge is the C9 inbox/approval gateway. One Bridge is shared across all
// accounts; per-account routing goes through the tenant Router on every
// call, the same as every other component that touches the item store.
type Bridge struct {
	router     *tenant.Router
	resumer    Resumer
	signingKey []byte
	email      EmailFunc
	audit      *audit.Recorder
	logger     *logging.Logger
}

// New builds a Bridge. resumer is nil-able only in tests that exercise
// Create/Dismiss paths, which never call it.
func New(router *tenant.Router, resumer Resumer, cfg Config) *Bridge {
	return &Bridge{
		router:     router,
		resumer:    resumer,
		signingKey: cfg.SigningKey,
		email:      cfg.Email,
		audit:      cfg.Audit,
		logger:     logging.Default(),
	}
}

// resumeClaims is the payload embedded in a signed resume token: enough to
// identify the suspended stage without a prior item-store read.
type resumeClaims struct {
	AccountID   string `json:"accountId"`
	ExecutionID string `json:"executionId"`
	StageID     string `json:"stageId"`
	jwt.RegisteredClaims
}

func (b *Bridge) signResumeToken(accountID, executionID, stageID string) (string, error) {
	claims := resumeClaims{
		AccountID:   accountID,
		ExecutionID: executionID,
		StageID:     stageID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(resumeTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(b.signingKey)
}

// VerifyResumeToken validates a token minted by Create and returns the
// execution/stage it authorizes. Controllers use this to confirm an
// approval-link click carries an unexpired, unforged token before calling
// Approve/Reject with the inbox id the link also carries.
func (b *Bridge) VerifyResumeToken(token string) (accountID, executionID, stageID string, err error) {
	claims := &resumeClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return b.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", "", "", fmt.Errorf("resume token invalid: %w", err)
	}
	return claims.AccountID, claims.ExecutionID, claims.StageID, nil
}

// inboxPK returns the partition an account's inbox items live under: the
// account's own partition for a public/shared-store account, or the
// dedicated store's single INBOX#LIST partition for a private account.
func inboxPK(accountID string, isPrivate bool) string {
	if isPrivate {
		return "INBOX#LIST"
	}
	return "ACCOUNT#" + accountID
}

// Create persists one PENDING inbox item per approver and fires a
// best-effort email to each. It returns the signed resume token C8 stores
// on the execution's SuspendedStage.
func (b *Bridge) Create(ctx context.Context, accountID, executionID, stageID string, approvers []string) (string, error) {
	if len(approvers) == 0 {
		return "", errors.Validation("approvers", "must not be empty")
	}

	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return "", err
	}

	token, err := b.signResumeToken(accountID, executionID, stageID)
	if err != nil {
		return "", fmt.Errorf("sign resume token: %w", err)
	}

	pk := inboxPK(accountID, route.IsPrivate)
	now := time.Now()

	for _, recipient := range approvers {
		item := pipeline.InboxItem{
			ID:          uuid.NewString(),
			AccountID:   accountID,
			ExecutionID: executionID,
			StageID:     stageID,
			Recipient:   recipient,
			Status:      pipeline.InboxPending,
			CreatedAt:   now,
		}
		dbItem := database.Item{
			PK: pk, SK: item.SK(),
			GSI2PK: "RECIPIENT#" + recipient,
			GSI2SK: inboxSKPrefix + now.Format(time.RFC3339Nano) + "#" + item.ID,
			Attrs:  toAttrs(item),
		}
		if err := route.Store.Put(ctx, dbItem); err != nil {
			return "", fmt.Errorf("persist inbox item for %s: %w", recipient, err)
		}
		b.notify(ctx, accountID, recipient, executionID, stageID, token)
	}

	return token, nil
}

func (b *Bridge) notify(ctx context.Context, accountID, recipient, executionID, stageID, token string) {
	if b.email == nil {
		return
	}
	subject := fmt.Sprintf("Approval requested: stage %s", stageID)
	body := fmt.Sprintf("Execution %s is waiting on your approval for stage %s.\nResume token: %s", executionID, stageID, token)
	outcome := pipeline.AuditSent
	err := b.email(ctx, recipient, subject, body)
	if err != nil {
		outcome = pipeline.AuditFailed
		b.logger.Error(ctx, "approval email notification failed", err, map[string]interface{}{
			"recipient": recipient, "executionId": executionID, "stageId": stageID,
		})
	}
	if b.audit != nil {
		b.audit.Record(ctx, audit.Params{
			AccountID: accountID, Entity: "inbox", EntityID: executionID + "/" + stageID,
			Action: "email_notification:" + recipient, Outcome: outcome,
		})
	}
}

// ListForUser returns every inbox item addressed to email within
// accountId's partition, newest first.
func (b *Bridge) ListForUser(ctx context.Context, accountID, email string) ([]pipeline.InboxItem, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	pk := inboxPK(accountID, route.IsPrivate)
	items, err := route.Store.QueryIndex(ctx, "GSI2", database.QueryCondition{
		PK: "RECIPIENT#" + email, SKOp: database.SKBeginsWith, SKValue: inboxSKPrefix,
	}, func(it database.Item) bool { return it.PK == pk })
	if err != nil {
		return nil, fmt.Errorf("list inbox items for %s: %w", email, err)
	}
	out := make([]pipeline.InboxItem, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, fromAttrs(items[i].Attrs))
	}
	return out, nil
}

// GetPendingCount returns the number of PENDING items addressed to email.
func (b *Bridge) GetPendingCount(ctx context.Context, accountID, email string) (int, error) {
	items, err := b.ListForUser(ctx, accountID, email)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, it := range items {
		if it.Status == pipeline.InboxPending {
			count++
		}
	}
	return count, nil
}

// Approve transitions inboxId PENDING -> APPROVED, marks every sibling
// request for the same execution+stage STALE in the same transactional
// write, and resumes the execution with a SUCCESS stage outcome.
func (b *Bridge) Approve(ctx context.Context, accountID, inboxID, actor string) (pipeline.InboxItem, error) {
	return b.action(ctx, accountID, inboxID, actor, pipeline.InboxApproved, pipeline.StageSuccess)
}

// Reject transitions inboxId PENDING -> REJECTED and resumes the execution
// with a FAILED stage outcome.
func (b *Bridge) Reject(ctx context.Context, accountID, inboxID, actor string) (pipeline.InboxItem, error) {
	return b.action(ctx, accountID, inboxID, actor, pipeline.InboxRejected, pipeline.StageFailed)
}

func (b *Bridge) action(ctx context.Context, accountID, inboxID, actor string, newStatus pipeline.InboxStatus, outcome pipeline.StageStatus) (pipeline.InboxItem, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return pipeline.InboxItem{}, err
	}
	pk := inboxPK(accountID, route.IsPrivate)
	key := database.Key{PK: pk, SK: inboxSKPrefix + inboxID}

	current, err := route.Store.Get(ctx, key, true)
	if err != nil || pipeline.InboxStatus(statusOf(current)) != pipeline.InboxPending {
		return pipeline.InboxItem{}, errors.NotFound("inbox item", inboxID)
	}

	executionID, _ := current.Attrs["executionId"].(string)
	stageID, _ := current.Attrs["stageId"].(string)

	siblings, err := route.Store.Query(ctx, database.QueryCondition{PK: pk, SKOp: database.SKBeginsWith, SKValue: inboxSKPrefix}, func(it database.Item) bool {
		if it.SK == key.SK {
			return false
		}
		eid, _ := it.Attrs["executionId"].(string)
		sid, _ := it.Attrs["stageId"].(string)
		return eid == executionID && sid == stageID && pipeline.InboxStatus(statusOf(&it)) == pipeline.InboxPending
	})
	if err != nil {
		return pipeline.InboxItem{}, fmt.Errorf("list sibling inbox items: %w", err)
	}

	now := time.Now()
	pendingCondition := func(cur *database.Item) bool {
		return cur != nil && pipeline.InboxStatus(statusOf(cur)) == pipeline.InboxPending
	}
	ops := []database.TransactOp{{
		Kind: database.TransactUpdate, Key: key,
		Patch:     map[string]any{"status": string(newStatus), "actionedBy": actor, "actionedAt": now},
		Condition: pendingCondition,
	}}
	for _, sib := range siblings {
		ops = append(ops, database.TransactOp{
			Kind: database.TransactUpdate, Key: database.Key{PK: sib.PK, SK: sib.SK},
			Patch:     map[string]any{"status": string(pipeline.InboxStale)},
			Condition: pendingCondition,
		})
	}

	if err := route.Store.TransactWrite(ctx, ops); err != nil {
		return pipeline.InboxItem{}, fmt.Errorf("action inbox item %s: %w", inboxID, err)
	}

	if b.resumer != nil {
		if err := b.resumer.ResumeApproval(ctx, accountID, executionID, stageID, outcome); err != nil {
			b.logger.Error(ctx, "execution resumption after approval decision failed", err, map[string]interface{}{
				"executionId": executionID, "stageId": stageID, "inboxId": inboxID,
			})
		}
	}

	result := fromAttrs(current.Attrs)
	result.Status = newStatus
	result.ActionedBy = actor
	result.ActionedAt = now
	return result, nil
}

// FindPendingInbox returns the id of the PENDING inbox item addressed to
// executionID+stageID within accountId's partition. It is the lookup the
// engine's ApproveStage(executionId, stageId, actorId) entry point needs: that
// call carries no inboxId, only the execution/stage pair, so the bridge
// itself must locate which inbox item that resolves to before delegating to
// Approve/Reject. Ambiguity is not expected (spec §3 invariant 5: at most
// one PENDING item per (execId, stageId) survives after the first
// approval), so the first match is returned; NotFound propagates the same
// idempotency signal Approve/Reject give a caller that repeats the call.
func (b *Bridge) FindPendingInbox(ctx context.Context, accountID, executionID, stageID string) (string, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return "", err
	}
	pk := inboxPK(accountID, route.IsPrivate)
	items, err := route.Store.Query(ctx, database.QueryCondition{PK: pk, SKOp: database.SKBeginsWith, SKValue: inboxSKPrefix}, func(it database.Item) bool {
		eid, _ := it.Attrs["executionId"].(string)
		sid, _ := it.Attrs["stageId"].(string)
		return eid == executionID && sid == stageID && pipeline.InboxStatus(statusOf(&it)) == pipeline.InboxPending
	})
	if err != nil {
		return "", fmt.Errorf("find pending inbox item for %s/%s: %w", executionID, stageID, err)
	}
	if len(items) == 0 {
		return "", errors.NotFound("inbox item", executionID+"/"+stageID)
	}
	return stringAttr(items[0].Attrs, "id"), nil
}

// Dismiss transitions inboxId to DISMISSED without touching the execution
// or any sibling item.
func (b *Bridge) Dismiss(ctx context.Context, accountID, inboxID, actor string) (pipeline.InboxItem, error) {
	route, err := b.router.Resolve(ctx, accountID)
	if err != nil {
		return pipeline.InboxItem{}, err
	}
	pk := inboxPK(accountID, route.IsPrivate)
	key := database.Key{PK: pk, SK: inboxSKPrefix + inboxID}

	current, err := route.Store.Get(ctx, key, true)
	if err != nil || pipeline.InboxStatus(statusOf(current)) != pipeline.InboxPending {
		return pipeline.InboxItem{}, errors.NotFound("inbox item", inboxID)
	}

	now := time.Now()
	updated, err := route.Store.Update(ctx, key, map[string]any{
		"status": string(pipeline.InboxDismissed), "actionedBy": actor, "actionedAt": now,
	})
	if err != nil {
		return pipeline.InboxItem{}, fmt.Errorf("dismiss inbox item %s: %w", inboxID, err)
	}
	return fromAttrs(updated.Attrs), nil
}

func statusOf(item *database.Item) string {
	if item == nil {
		return ""
	}
	s, _ := item.Attrs["status"].(string)
	return s
}

func toAttrs(item pipeline.InboxItem) map[string]any {
	return map[string]any{
		"id": item.ID, "accountId": item.AccountID, "executionId": item.ExecutionID,
		"stageId": item.StageID, "recipient": item.Recipient, "status": string(item.Status),
		"actionedBy": item.ActionedBy, "createdAt": item.CreatedAt, "actionedAt": item.ActionedAt,
	}
}

func fromAttrs(attrs map[string]any) pipeline.InboxItem {
	item := pipeline.InboxItem{
		Status: pipeline.InboxStatus(stringAttr(attrs, "status")),
	}
	item.ID = stringAttr(attrs, "id")
	item.AccountID = stringAttr(attrs, "accountId")
	item.ExecutionID = stringAttr(attrs, "executionId")
	item.StageID = stringAttr(attrs, "stageId")
	item.Recipient = stringAttr(attrs, "recipient")
	item.ActionedBy = stringAttr(attrs, "actionedBy")
	if t, ok := attrs["createdAt"].(time.Time); ok {
		item.CreatedAt = t
	}
	if t, ok := attrs["actionedAt"].(time.Time); ok {
		item.ActionedAt = t
	}
	return item
}

func stringAttr(attrs map[string]any, key string) string {
	s, _ := attrs[key].(string)
	return s
}
