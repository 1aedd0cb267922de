package reconcile

import (
	"sort"

	"github.com/agentworkforce/leavelink/internal/notion"
)

type Outcome string

const (
	OutcomeSkippedNoID       Outcome = "skipped_no_id"
	OutcomeSkippedNoEmployee Outcome = "skipped_no_employee"
	OutcomeAlreadyReconciled Outcome = "already_reconciled"
	// OutcomeLinkedElsewhere: the relation points at another record and the
	// link policy keeps it. A status backfill may still be planned.
	OutcomeLinkedElsewhere Outcome = "linked_elsewhere"
	OutcomePlanned         Outcome = "planned"
)

// LinkPolicy decides what happens to a relation that points elsewhere.
type LinkPolicy string

const (
	LinkFillEmpty LinkPolicy = "fill_empty"
	LinkOverwrite LinkPolicy = "overwrite"
)

const DefaultStatus = "قيد الانتظار"

// DefaultStatusGroups name the workflow groups whose first option replaces a
// default status the field does not offer.
var DefaultStatusGroups = []string{"To-do", "To do", "Not started"}

type PlanPolicy struct {
	Link          LinkPolicy
	DefaultStatus string
	StatusGroups  []string
}

func (p PlanPolicy) withDefaults() PlanPolicy {
	if p.Link == "" {
		p.Link = LinkFillEmpty
	}
	if p.StatusGroups == nil {
		p.StatusGroups = DefaultStatusGroups
	}
	return p
}

// Plan is the set of field writes for one record, sent in a single update.
type Plan map[string]notion.Property

func (p Plan) Empty() bool {
	return len(p) == 0
}

// Fields returns the planned field names, sorted.
func (p Plan) Fields() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PlanFor computes the writes that link rec to its counterpart and backfill
// its status. Relation and status are decided independently.
func PlanFor(rec notion.Record, idx *Index, roles Roles, policy PlanPolicy) (Plan, Outcome) {
	policy = policy.withDefaults()
	if roles.Identifier == nil {
		return nil, OutcomeSkippedNoID
	}
	key, ok := Extract(rec, roles.Identifier.Name).Key()
	if !ok {
		return nil, OutcomeSkippedNoID
	}
	target, ok := idx.Lookup(key)
	if !ok {
		return nil, OutcomeSkippedNoEmployee
	}

	plan := Plan{}
	elsewhere := false
	if roles.Relation != nil {
		refs := Extract(rec, roles.Relation.Name).Refs
		switch {
		case containsID(refs, target):
		case len(refs) == 0 || policy.Link == LinkOverwrite:
			plan[roles.Relation.Name] = notion.Relation{IDs: []string{target}}
		default:
			elsewhere = true
		}
	}
	if roles.Status != nil && !Extract(rec, roles.Status.Name).Present() {
		if prop, ok := defaultStatus(*roles.Status, policy); ok {
			plan[roles.Status.Name] = prop
		}
	}

	switch {
	case elsewhere:
		return plan, OutcomeLinkedElsewhere
	case plan.Empty():
		return plan, OutcomeAlreadyReconciled
	default:
		return plan, OutcomePlanned
	}
}

// defaultStatus picks the value written into an unset status field. Workflow
// status options are a closed set, so the default is replaced by an existing
// option rather than created.
func defaultStatus(field notion.Field, policy PlanPolicy) (notion.Property, bool) {
	switch field.Kind {
	case notion.KindSingleChoice:
		if policy.DefaultStatus == "" {
			return nil, false
		}
		return notion.SingleChoice{Option: &notion.Option{Name: policy.DefaultStatus}}, true
	case notion.KindWorkflowStatus:
		if policy.DefaultStatus != "" {
			for _, opt := range field.Options {
				if opt.Name == policy.DefaultStatus {
					return notion.WorkflowStatus{Option: &notion.Option{ID: opt.ID, Name: opt.Name}}, true
				}
			}
		}
		for _, group := range policy.StatusGroups {
			if opts := field.GroupOptions(group); len(opts) > 0 {
				return notion.WorkflowStatus{Option: &notion.Option{ID: opts[0].ID, Name: opts[0].Name}}, true
			}
		}
		if len(field.Options) > 0 {
			opt := field.Options[0]
			return notion.WorkflowStatus{Option: &notion.Option{ID: opt.ID, Name: opt.Name}}, true
		}
	}
	return nil, false
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if notion.SameID(candidate, id) {
			return true
		}
	}
	return false
}
