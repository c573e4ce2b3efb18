// Package callable executes stored-procedure calls on a borrowed connection
// and turns what the driver returns into a chain of result pages.
package callable

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/koustreak/callsql/internal/database"
)

// CallSpec describes one invocation. In and Out are indexed by placeholder
// position minus one; either may be shorter than the placeholder count.
type CallSpec struct {
	SQL string     `json:"sql"`
	In  []any      `json:"in"`
	Out []OutParam `json:"out"`
}

// OutKind tags the variant held by an OutParam.
type OutKind int

const (
	// OutNone leaves the position unregistered, or reports it as nil when it
	// is registered anyway.
	OutNone OutKind = iota
	// OutInferred registers the position with the type reported by the
	// statement's parameter metadata.
	OutInferred
	// OutCode registers the position with an explicit type code.
	OutCode
	// OutName registers the position with an explicit type name.
	OutName
)

// OutParam is the output descriptor of one position.
type OutParam struct {
	Kind OutKind
	Code int
	Name string
}

// None is the empty descriptor.
func None() OutParam { return OutParam{Kind: OutNone} }

// Inferred registers an output whose type comes from parameter metadata.
func Inferred() OutParam { return OutParam{Kind: OutInferred} }

// TypeCode registers an output of the given type code (database.TypeInteger...).
func TypeCode(code int) OutParam { return OutParam{Kind: OutCode, Code: code} }

// TypeName registers an output of the given type name ("INTEGER", "varchar").
func TypeName(name string) OutParam { return OutParam{Kind: OutName, Name: name} }

// IsOutput reports whether the position is registered as an output.
func (p OutParam) IsOutput() bool { return p.Kind != OutNone }

func (p OutParam) String() string {
	switch p.Kind {
	case OutInferred:
		return "inferred"
	case OutCode:
		return fmt.Sprintf("code(%d)", p.Code)
	case OutName:
		return fmt.Sprintf("name(%s)", p.Name)
	default:
		return "none"
	}
}

// UnmarshalJSON accepts null (none), a number (type code) or a string (type
// name; "" and "?" mean inferred).
func (p *OutParam) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = None()
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		if name == "" || name == "?" {
			*p = Inferred()
			return nil
		}
		*p = TypeName(name)
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("out parameter must be null, a type code or a type name: %w", err)
	}
	*p = TypeCode(code)
	return nil
}

func (p OutParam) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case OutInferred:
		return []byte(`"?"`), nil
	case OutCode:
		return json.Marshal(p.Code)
	case OutName:
		return json.Marshal(p.Name)
	default:
		return []byte("null"), nil
	}
}

// explicitType returns the type named by the descriptor, if it names one.
func (p OutParam) explicitType() (database.SQLType, bool) {
	switch p.Kind {
	case OutCode:
		if t, ok := database.TypeForCode(p.Code); ok {
			return t, true
		}
		return database.SQLType{Code: p.Code}, true
	case OutName:
		return database.TypeForName(p.Name), true
	default:
		return database.SQLType{}, false
	}
}
