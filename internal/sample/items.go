package sample

import "fmt"

// Items is a list-valued provider built from configuration.
type Items struct {
	name  string
	items []any
}

// NewItems copies the given list into a provider.
func NewItems(name string, items []any) (*Items, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("sample %q: item list is empty", name)
	}
	copied := make([]any, len(items))
	copy(copied, items)
	return &Items{name: name, items: copied}, nil
}

// Name implements Provider.
func (p *Items) Name() string { return p.name }

// Len implements Provider.
func (p *Items) Len() int { return len(p.items) }

// Values implements Provider.
func (p *Items) Values() []any { return p.items }
