// Package cart accumulates the line items inferred for a tracked entity and
// builds invoice line items from them.
package cart

// LineItem is one billed entry. Quantity is always at least 1.
type LineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Ledger is an append-only list of line items. The zero value is ready to use.
type Ledger struct {
	items []LineItem
}

// AddMissing appends one quantity-1 line item per missing occurrence, in order.
// Occurrences are never merged into existing entries.
func (l *Ledger) AddMissing(labels []string) {
	for _, name := range labels {
		l.items = append(l.items, LineItem{Name: name, Quantity: 1})
	}
}

// Items returns a copy of the ledger's entries.
func (l *Ledger) Items() []LineItem {
	return append([]LineItem(nil), l.items...)
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.items) }

// Empty reports whether nothing has been added.
func (l *Ledger) Empty() bool { return len(l.items) == 0 }

// TotalQuantity sums quantities across all entries.
func (l *Ledger) TotalQuantity() int {
	n := 0
	for _, it := range l.items {
		n += it.Quantity
	}
	return n
}

// Reset drops every entry.
func (l *Ledger) Reset() { l.items = nil }

// Aggregate merges entries with the same name, keeping the order of first
// occurrence and summing quantities. Entries with a non-positive quantity or
// an empty name are dropped.
func Aggregate(items []LineItem) []LineItem {
	index := make(map[string]int, len(items))
	var out []LineItem
	for _, it := range items {
		if it.Name == "" || it.Quantity <= 0 {
			continue
		}
		if i, ok := index[it.Name]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.Name] = len(out)
		out = append(out, it)
	}
	return out
}
