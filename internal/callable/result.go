package callable

import "encoding/json"

// ResultSet is one page of a call's result chain.
type ResultSet struct {
	Columns []string
	Results [][]any

	// Output holds the decoded output parameters in position order. It is
	// set on the first page only; nil means unset.
	Output []any

	Next *ResultSet
}

// Len returns the number of pages in the chain starting at r.
func (r *ResultSet) Len() int {
	n := 0
	for p := r; p != nil; p = p.Next {
		n++
	}
	return n
}

// Map renders the page and its successors as plain maps.
func (r *ResultSet) Map() map[string]any {
	columns := r.Columns
	if columns == nil {
		columns = []string{}
	}
	results := r.Results
	if results == nil {
		results = [][]any{}
	}
	m := map[string]any{
		"columnNames": columns,
		"numColumns":  len(columns),
		"numRows":     len(results),
		"results":     results,
	}
	if r.Output != nil {
		m["output"] = r.Output
	}
	if r.Next != nil {
		m["next"] = r.Next.Map()
	}
	return m
}

func (r *ResultSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Map())
}
