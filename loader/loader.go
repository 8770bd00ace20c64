// Package loader maps raw result rows into application values. The engine
// applies a Loader per row when one is configured through execution options;
// mapping semantics live entirely here.
package loader

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/seawire/anchor/dialect"
)

// Loader transforms one result row into an application value.
type Loader interface {
	Load(row dialect.Row) (any, error)
}

// Func adapts a plain function to a Loader.
type Func func(row dialect.Row) (any, error)

// Load implements Loader.
func (f Func) Load(row dialect.Row) (any, error) {
	return f(row)
}

// Column loads a single named column from each row.
func Column(name string) Loader {
	return Func(func(row dialect.Row) (any, error) {
		v, ok := row.Value(name)
		if !ok {
			return nil, fmt.Errorf("load column: no column %q in result", name)
		}
		return v, nil
	})
}

// ColumnAt loads the column at position i from each row.
func ColumnAt(i int) Loader {
	return Func(func(row dialect.Row) (any, error) {
		if i < 0 || i >= len(row.Values) {
			return nil, fmt.Errorf("load column: index %d out of range for %d columns", i, len(row.Values))
		}
		return row.Values[i], nil
	})
}

// Struct loads rows into new values of the prototype's type, matching result
// columns to exported struct fields by name. Matching ignores case and
// underscores, so column "db_val" fills field DBVal. Columns without a
// matching field are skipped; a matching field with an incompatible value
// type is an error.
func Struct(prototype any) Loader {
	typ := reflect.TypeOf(prototype)
	for typ != nil && typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return &structLoader{typ: typ}
}

type structLoader struct {
	typ reflect.Type
}

func (l *structLoader) Load(row dialect.Row) (any, error) {
	if l.typ == nil || l.typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("load struct: prototype is not a struct")
	}
	out := reflect.New(l.typ).Elem()
	for i, name := range row.Columns {
		field := fieldByColumn(out, name)
		if !field.IsValid() || !field.CanSet() {
			continue
		}
		raw := row.Values[i]
		if raw == nil {
			continue
		}
		val := reflect.ValueOf(raw)
		switch {
		case val.Type().AssignableTo(field.Type()):
			field.Set(val)
		case val.Type().ConvertibleTo(field.Type()):
			field.Set(val.Convert(field.Type()))
		default:
			return nil, fmt.Errorf("load struct: column %q has %s, field wants %s",
				name, val.Type(), field.Type())
		}
	}
	return out.Addr().Interface(), nil
}

func fieldByColumn(v reflect.Value, column string) reflect.Value {
	want := canonical(column)
	typ := v.Type()
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		if canonical(f.Name) == want {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func canonical(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "_", ""))
}

// Get coerces a loader expression into a Loader: a Loader passes through, a
// compatible function becomes Func, a string becomes Column, an int becomes
// ColumnAt, and a struct or struct pointer becomes Struct. Anything else
// returns nil, meaning rows pass through unmapped.
func Get(expr any) Loader {
	switch v := expr.(type) {
	case nil:
		return nil
	case Loader:
		return v
	case func(row dialect.Row) (any, error):
		return Func(v)
	case string:
		return Column(v)
	case int:
		return ColumnAt(v)
	}
	typ := reflect.TypeOf(expr)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() == reflect.Struct {
		return Struct(expr)
	}
	return nil
}
