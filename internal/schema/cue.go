package schema

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"

	"github.com/roach88/leafsync/internal/fact"
)

// Attribute declarations can be written in CUE and compiled into a
// Registry. A declaration file has the shape:
//
//	attributes: {
//		"poll/option": {kind: "ordered-reference", cardinality: "many"}
//		"poll/state": {kind: "union", cardinality: "one", cases: ["open", "closed"]}
//	}
//
// Scalar attributes may omit cardinality; it defaults to "one".

// CompileRegistry parses the "attributes" struct of a CUE value into a
// Registry using the CUE SDK's Go API directly.
func CompileRegistry(v cue.Value) (*Registry, error) {
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("invalid CUE value: %w", err)
	}

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if !attrsVal.Exists() {
		return nil, fmt.Errorf("attributes struct is required")
	}

	iter, err := attrsVal.Fields()
	if err != nil {
		return nil, fmt.Errorf("attributes is not a struct: %w", err)
	}

	var attrs []Attribute
	for iter.Next() {
		name := iter.Label()
		attr, err := compileAttribute(name, iter.Value())
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, attr)
	}

	// Field iteration order over quoted labels is already deterministic,
	// but the registry error messages read better sorted.
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name < attrs[j].Name })

	return NewRegistry(attrs)
}

func compileAttribute(name string, v cue.Value) (Attribute, error) {
	attr := Attribute{Name: name, Cardinality: One}

	kindVal := v.LookupPath(cue.ParsePath("kind"))
	if !kindVal.Exists() {
		return Attribute{}, fmt.Errorf("attribute %q: kind is required", name)
	}
	kind, err := kindVal.String()
	if err != nil {
		return Attribute{}, fmt.Errorf("attribute %q: kind: %w", name, err)
	}
	switch fact.Kind(kind) {
	case fact.KindString, fact.KindInt, fact.KindBool, fact.KindRef,
		fact.KindUnion, fact.KindBlob, fact.KindImage:
		attr.Kind = fact.Kind(kind)
	default:
		return Attribute{}, fmt.Errorf("attribute %q: unknown kind %q", name, kind)
	}

	cardVal := v.LookupPath(cue.ParsePath("cardinality"))
	if cardVal.Exists() {
		card, err := cardVal.String()
		if err != nil {
			return Attribute{}, fmt.Errorf("attribute %q: cardinality: %w", name, err)
		}
		attr.Cardinality = Cardinality(card)
	} else if attr.Kind == fact.KindRef {
		attr.Cardinality = Many
	}

	casesVal := v.LookupPath(cue.ParsePath("cases"))
	if casesVal.Exists() {
		list, err := casesVal.List()
		if err != nil {
			return Attribute{}, fmt.Errorf("attribute %q: cases: %w", name, err)
		}
		for list.Next() {
			c, err := list.Value().String()
			if err != nil {
				return Attribute{}, fmt.Errorf("attribute %q: case: %w", name, err)
			}
			attr.UnionCases = append(attr.UnionCases, c)
		}
	}

	return attr, nil
}

// CompileRegistrySource compiles a single CUE source string.
func CompileRegistrySource(src string) (*Registry, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	return CompileRegistry(v)
}

// LoadDir compiles all CUE files in a directory into one Registry.
func LoadDir(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: %s is not a directory", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("load CUE files: %w", inst.Err)
	}

	v := ctx.BuildInstance(inst)
	return CompileRegistry(v)
}
