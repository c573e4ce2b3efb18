package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koustreak/callsql/internal/database"
	"github.com/koustreak/callsql/internal/errs"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"escape", "{call pkg.proc(?, ?)}", "BEGIN pkg.proc(:1, :2); END;"},
		{"no args", "{call refresh_all}", "BEGIN refresh_all; END;"},
		{"literal argument", "{call p('?', ?)}", "BEGIN p('?', :1); END;"},
		{"plain block", "BEGIN p(?); END;", "BEGIN p(:1); END;"},
		{"return value", "{? = call pkg.total(?, ?)}", "BEGIN :1 := pkg.total(:2, :3); END;"},
		{"return value no args", "{?=call next_id}", "BEGIN :1 := next_id; END;"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := render(tt.in, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyORACode(t *testing.T) {
	tests := []struct {
		code int
		want errs.ErrKind
	}{
		{1017, errs.ErrKindPermissionDenied},
		{12541, errs.ErrKindConnectionFailed},
		{1013, errs.ErrKindTimeout},
		{6550, errs.ErrKindNotFound},
		{1722, errs.ErrKindInvalidInput},
		{1, errs.ErrKindQueryFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyORACode(tt.code), "ORA-%05d", tt.code)
	}
}

func TestMapError(t *testing.T) {
	assert.Equal(t, errs.ErrKindTimeout, mapError(context.Canceled, "call failed").Kind)
	assert.Equal(t, errs.ErrKindQueryFailed, mapError(errors.New("boom"), "call failed").Kind)
	assert.Nil(t, mapError(nil, "ok"))
}

func TestDialect(t *testing.T) {
	assert.False(t, Dialect.ReturnsRows, "PL/SQL blocks return results through cursors only")
	assert.NotNil(t, Dialect.CursorDest())
	assert.True(t, database.TypeForName("SYS_REFCURSOR").Class() == database.ClassCursor)

	_, err := openCursor("not a cursor")
	assert.True(t, errs.IsInvalidInput(err))
}
