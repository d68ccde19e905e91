package query

import (
	"time"

	"github.com/tesseradb/tessera"
	"github.com/tesseradb/tessera/meta"
)

// VersionManager folds point-in-time validity constraints into a query
// before planning. An entity version is current at instant T when
// valid_from <= T < valid_to.
type VersionManager struct {
	// Now supplies the default temporal point when the caller gives none.
	Now func() time.Time
}

// NewVersionManager returns a VersionManager on the wall clock.
func NewVersionManager() *VersionManager {
	return &VersionManager{Now: time.Now}
}

// Apply rewrites filter and tightens preds with the entity's validity range
// at the requested instant. Non-temporal bindings and all-versions reads pass
// through untouched. The returned filter is what shards execute, so stores
// need no temporal awareness of their own.
func (m *VersionManager) Apply(binding *meta.EntityBinding, filter Expr, preds tessera.Predicates, at *time.Time, allVersions bool) Expr {
	if !binding.Temporal() || allVersions {
		return filter
	}
	t := m.Now()
	if at != nil {
		t = *at
	}

	preds.Tighten(binding.ValidFrom, tessera.Range(nil, t, false, true))
	preds.Tighten(binding.ValidTo, tessera.Range(t, nil, false, false))

	return And(filter, Lte(binding.ValidFrom, t), Gt(binding.ValidTo, t))
}
