package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/leafsync/internal/fact"
)

func TestNewRegistryRejectsInconsistentDeclarations(t *testing.T) {
	tests := []struct {
		name  string
		attrs []Attribute
	}{
		{"empty name", []Attribute{{Name: "", Kind: fact.KindString, Cardinality: One}}},
		{"duplicate", []Attribute{
			{Name: "a", Kind: fact.KindString, Cardinality: One},
			{Name: "a", Kind: fact.KindInt, Cardinality: One},
		}},
		{"ref must be many", []Attribute{{Name: "a", Kind: fact.KindRef, Cardinality: One}}},
		{"many needs ref", []Attribute{{Name: "a", Kind: fact.KindString, Cardinality: Many}}},
		{"union without cases", []Attribute{{Name: "a", Kind: fact.KindUnion, Cardinality: One}}},
		{"bad cardinality", []Attribute{{Name: "a", Kind: fact.KindString, Cardinality: "some"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.attrs)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	reg := Leaflet()

	tests := []struct {
		name    string
		f       fact.Fact
		wantErr string
	}{
		{
			name: "valid ordered ref",
			f:    fact.Fact{ID: "f1", Entity: "doc", Attribute: "card/block", Value: fact.Ref{Entity: "b1"}, Position: "a0"},
		},
		{
			name: "valid union",
			f:    fact.Fact{ID: "f2", Entity: "b1", Attribute: "block/type", Value: fact.Union{Case: BlockHeading}},
		},
		{
			name:    "unknown attribute",
			f:       fact.Fact{ID: "f3", Entity: "b1", Attribute: "block/nope", Value: fact.Int(1)},
			wantErr: "unknown attribute",
		},
		{
			name:    "kind mismatch",
			f:       fact.Fact{ID: "f4", Entity: "b1", Attribute: "block/heading-level", Value: fact.String("2")},
			wantErr: "does not match",
		},
		{
			name:    "union case outside set",
			f:       fact.Fact{ID: "f5", Entity: "b1", Attribute: "block/type", Value: fact.Union{Case: "gif"}},
			wantErr: "not in declared set",
		},
		{
			name:    "ref without position",
			f:       fact.Fact{ID: "f6", Entity: "doc", Attribute: "card/block", Value: fact.Ref{Entity: "b1"}},
			wantErr: "without position",
		},
		{
			name: "retracted ref may omit position",
			f:    fact.Fact{ID: "f7", Entity: "doc", Attribute: "card/block", Value: fact.Ref{Entity: "b1"}, Retracted: true},
		},
		{
			name:    "position on scalar",
			f:       fact.Fact{ID: "f8", Entity: "b1", Attribute: "block/heading-level", Value: fact.Int(1), Position: "a0"},
			wantErr: "position on non-reference",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Validate(tt.f)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, IsViolation(err))
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCompileRegistrySource(t *testing.T) {
	reg, err := CompileRegistrySource(`
attributes: {
	"poll/option": {kind: "ordered-reference", cardinality: "many"}
	"poll/state": {kind: "union", cardinality: "one", cases: ["open", "closed"]}
	"poll/title": {kind: "string"}
}
`)
	require.NoError(t, err)

	opt, ok := reg.Lookup("poll/option")
	require.True(t, ok)
	assert.Equal(t, fact.KindRef, opt.Kind)
	assert.Equal(t, Many, opt.Cardinality)

	state, ok := reg.Lookup("poll/state")
	require.True(t, ok)
	assert.Equal(t, []string{"open", "closed"}, state.UnionCases)

	title, ok := reg.Lookup("poll/title")
	require.True(t, ok)
	assert.Equal(t, One, title.Cardinality)
}

func TestCompileRegistrySourceErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing attributes", `other: {}`},
		{"missing kind", `attributes: {"a": {cardinality: "one"}}`},
		{"unknown kind", `attributes: {"a": {kind: "float"}}`},
		{"union without cases", `attributes: {"a": {kind: "union"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileRegistrySource(tt.src)
			assert.Error(t, err)
		})
	}
}
