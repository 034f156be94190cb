// Package sample loads read-only datasets referenced by template
// renders: tabular CSV files and static item lists. Providers are
// loaded once at pipeline start and shared across renders.
package sample

// Provider is a load-once, read-only dataset. Values returns the
// materialized items exposed to template bindings; callers must not
// mutate the returned slice. Item indices are stable for the lifetime
// of a run.
type Provider interface {
	Name() string
	Len() int
	Values() []any
}
