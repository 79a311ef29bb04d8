// Package audit records send/action attempts against the item store. A
// Recorder never surfaces a failure to its caller: audit is a courtesy
// trail, not a transaction participant, and a broken audit path must never
// take the feature it is watching down with it.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tripleh1701/pipelineforge/domain/pipeline"
	"github.com/tripleh1701/pipelineforge/infrastructure/database"
	"github.com/tripleh1701/pipelineforge/infrastructure/logging"
	"github.com/tripleh1701/pipelineforge/infrastructure/metrics"
	"github.com/tripleh1701/pipelineforge/pkg/tenant"
)

// Params describes one audited action. AccountID and Entity are required;
// a Record call with either missing is a caller bug and returns nil rather
// than persisting a half-identified entry.
type Params struct {
	AccountID string
	Entity    string
	EntityID  string
	Action    string
	Outcome   pipeline.AuditOutcome
	Detail    string
}

// Recorder is the C10 audit gateway: one entry per call, indexed by entity,
// by account+time, and by status+time (spec §4.10).
type Recorder struct {
	router  *tenant.Router
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New builds a Recorder. m may be nil, in which case audit metrics are
// simply not recorded.
func New(router *tenant.Router, m *metrics.Metrics) *Recorder {
	return &Recorder{router: router, logger: logging.Default(), metrics: m}
}

// Record persists one audit entry best-effort and returns it, or nil if p
// was too incomplete to route. It never returns an error: a routing or
// store failure is logged and the call still returns the in-memory entry
// (for traceability) rather than propagating anything to the caller.
func (r *Recorder) Record(ctx context.Context, p Params) *pipeline.AuditRecord {
	if p.AccountID == "" || p.Entity == "" {
		r.logger.Error(ctx, "audit record missing accountId or entity", nil, map[string]interface{}{
			"accountId": p.AccountID, "entity": p.Entity,
		})
		return nil
	}

	entry := pipeline.AuditRecord{
		ID: uuid.NewString(), AccountID: p.AccountID, Entity: p.Entity,
		EntityID: p.EntityID, Action: p.Action, Outcome: p.Outcome,
		Detail: p.Detail, CreatedAt: time.Now(),
	}

	if r.metrics != nil {
		r.metrics.RecordAudit(entry.Entity, entry.Action, string(entry.Outcome))
	}

	route, err := r.router.Resolve(ctx, entry.AccountID)
	if err != nil {
		r.logger.Error(ctx, "audit route resolution failed", err, map[string]interface{}{"accountId": entry.AccountID})
		return &entry
	}

	createdAt := entry.CreatedAt.Format(time.RFC3339Nano)
	item := database.Item{
		PK: entry.PK(), SK: entry.SK(),
		GSI1PK: "ENTITY#" + entry.Entity + "#" + entry.EntityID, GSI1SK: createdAt,
		GSI2PK: "ACCOUNT#" + entry.AccountID, GSI2SK: createdAt,
		GSI3PK: "STATUS#" + string(entry.Outcome), GSI3SK: createdAt,
		Attrs: map[string]any{
			"id": entry.ID, "accountId": entry.AccountID, "entity": entry.Entity,
			"entityId": entry.EntityID, "action": entry.Action, "outcome": string(entry.Outcome),
			"detail": entry.Detail, "createdAt": entry.CreatedAt,
		},
	}
	if err := route.Store.Put(ctx, item); err != nil {
		r.logger.Error(ctx, "audit write failed", err, map[string]interface{}{
			"entity": entry.Entity, "entityId": entry.EntityID,
		})
	}
	return &entry
}

// ListForEntity returns every audit entry recorded against one entity,
// oldest first, via the GSI1 entity index.
func (r *Recorder) ListForEntity(ctx context.Context, accountID, entity, entityID string) ([]pipeline.AuditRecord, error) {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	items, err := route.Store.QueryIndex(ctx, "GSI1", database.QueryCondition{
		PK: "ENTITY#" + entity + "#" + entityID, SKOp: database.SKBeginsWith, SKValue: "",
	}, nil)
	if err != nil {
		return nil, err
	}
	return toRecords(items), nil
}

// ListForAccount returns every audit entry recorded for accountID, oldest
// first, via the GSI2 account+time index.
func (r *Recorder) ListForAccount(ctx context.Context, accountID string) ([]pipeline.AuditRecord, error) {
	route, err := r.router.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}
	items, err := route.Store.QueryIndex(ctx, "GSI2", database.QueryCondition{
		PK: "ACCOUNT#" + accountID, SKOp: database.SKBeginsWith, SKValue: "",
	}, nil)
	if err != nil {
		return nil, err
	}
	return toRecords(items), nil
}

func toRecords(items []database.Item) []pipeline.AuditRecord {
	out := make([]pipeline.AuditRecord, 0, len(items))
	for _, it := range items {
		out = append(out, pipeline.AuditRecord{
			ID:        stringAttr(it, "id"),
			AccountID: stringAttr(it, "accountId"),
			Entity:    stringAttr(it, "entity"),
			EntityID:  stringAttr(it, "entityId"),
			Action:    stringAttr(it, "action"),
			Outcome:   pipeline.AuditOutcome(stringAttr(it, "outcome")),
			Detail:    stringAttr(it, "detail"),
			CreatedAt: timeAttr(it, "createdAt"),
		})
	}
	return out
}

func stringAttr(item database.Item, key string) string {
	s, _ := item.Attrs[key].(string)
	return s
}

func timeAttr(item database.Item, key string) time.Time {
	t, _ := item.Attrs[key].(time.Time)
	return t
}
