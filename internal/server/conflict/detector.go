// Package conflict classifies incoming changes against the current server
// state. The classification is a closed decision table evaluated in a fixed
// order; anything not provably safe to apply becomes a conflict.
package conflict

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

// Verdict is the outcome of classifying one change.
type Verdict int

const (
	CleanApply Verdict = iota + 1
	AutoMerge
	Conflict
	AlreadyExists
	Noop
)

func (v Verdict) String() string {
	switch v {
	case CleanApply:
		return "clean_apply"
	case AutoMerge:
		return "auto_merge"
	case Conflict:
		return "conflict"
	case AlreadyExists:
		return "already_exists"
	case Noop:
		return "noop"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Decision is a verdict with the inputs it was computed from.
type Decision struct {
	Verdict Verdict
	// Reason is set when Verdict is Conflict.
	Reason models.ConflictReason
	// Server is the entity the verdict was computed against, nil if absent.
	Server *models.Entity
	// Fields are the top-level fields the incoming change touches.
	Fields []string
	// ServerFields are the fields changed on the server since the base revision.
	ServerFields []string
}

// HistoryReader is the part of the ledger the detector needs.
type HistoryReader interface {
	History(ctx context.Context, key models.EntityKey, afterRevision int64) ([]*models.ChangeRecord, error)
}

// Detector classifies changes using the ledger history for field diffing.
type Detector struct {
	history HistoryReader
}

func NewDetector(h HistoryReader) *Detector {
	return &Detector{history: h}
}

// Detect classifies ch against server, the current entity or nil.
func (d *Detector) Detect(ctx context.Context, server *models.Entity, ch *models.Change) (Decision, error) {
	fields, err := Fields(ch.Operation, ch.Payload)
	if err != nil {
		return Decision{}, err
	}
	dec := Decision{Server: server, Fields: fields}

	switch {
	case server == nil && ch.Operation == models.OpCreate:
		return dec.with(CleanApply, ""), nil
	case server == nil:
		return dec.with(Conflict, models.ReasonMissing), nil
	case server.Deleted && ch.Operation == models.OpDelete:
		return dec.with(Noop, ""), nil
	case server.Deleted:
		return dec.with(Conflict, models.ReasonResurrect), nil
	case ch.Operation == models.OpCreate:
		return dec.with(AlreadyExists, ""), nil
	case server.Revision == ch.BaseRevision:
		return dec.with(CleanApply, ""), nil
	case ch.BaseRevision > server.Revision:
		return dec.with(Conflict, models.ReasonUnknownBase), nil
	}

	records, err := d.history.History(ctx, server.Key(), ch.BaseRevision)
	if err != nil {
		return Decision{}, fmt.Errorf("read history: %w", err)
	}
	serverFields, complete := changedSince(records, ch.BaseRevision, server.Revision)
	if !complete {
		return dec.with(Conflict, models.ReasonHistoryCompacted), nil
	}
	dec.ServerFields = serverFields

	if !Overlaps(fields, serverFields) {
		return dec.with(AutoMerge, ""), nil
	}
	return dec.with(Conflict, models.ReasonOverlap), nil
}

func (d Decision) with(v Verdict, reason models.ConflictReason) Decision {
	d.Verdict = v
	d.Reason = reason
	return d
}

// changedSince unions the changed fields of revisions base+1..current.
// It reports false when any revision in that range is missing.
func changedSince(records []*models.ChangeRecord, base, current int64) ([]string, bool) {
	byRevision := make(map[int64]*models.ChangeRecord, len(records))
	for _, r := range records {
		byRevision[r.Revision] = r
	}

	seen := map[string]struct{}{}
	var fields []string
	for rev := base + 1; rev <= current; rev++ {
		r, ok := byRevision[rev]
		if !ok {
			return nil, false
		}
		for _, f := range r.ChangedFields {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				fields = append(fields, f)
			}
		}
	}
	return fields, true
}
