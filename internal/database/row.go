package database

// Scanner is anything with database/sql Scan semantics.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanValues reads n columns of the current row into a fresh slice of the
// driver's native values, using *any scan targets so the driver can write
// any type.
func ScanValues(s Scanner, n int) ([]any, error) {
	dest := make([]any, n)
	destPtrs := make([]any, n)
	for i := range dest {
		destPtrs[i] = &dest[i]
	}
	if err := s.Scan(destPtrs...); err != nil {
		return nil, err
	}
	// the driver may reuse byte buffers between rows
	for i, v := range dest {
		if b, ok := v.([]byte); ok {
			dest[i] = append([]byte(nil), b...)
		}
	}
	return dest, nil
}
