package engine

import (
	"time"

	"github.com/seawire/anchor/loader"
)

// execOptions are the per-statement execution knobs carried by a Query or a
// Connection copy. The zero value means driver defaults with model loading
// on.
type execOptions struct {
	timeout time.Duration
	loader  loader.Loader
	noModel bool
}

// merge overlays q's explicit settings on top of the connection's.
func (o execOptions) merge(base execOptions) execOptions {
	out := base
	if o.timeout > 0 {
		out.timeout = o.timeout
	}
	if o.loader != nil {
		out.loader = o.loader
	}
	if o.noModel {
		out.noModel = true
	}
	return out
}

// Query is an immutable statement descriptor: text, arguments and execution
// options. Builder methods return modified copies and never mutate the
// receiver, so a Query can be shared and specialized freely.
type Query struct {
	text string
	args []any
	opts execOptions
}

// NewQuery builds a query from statement text and positional arguments.
func NewQuery(text string, args ...any) Query {
	return Query{text: text, args: args}
}

// Text returns the statement text.
func (q Query) Text() string { return q.text }

// Args returns the positional arguments.
func (q Query) Args() []any { return q.args }

// WithTimeout returns a copy of the query that runs under the timeout.
func (q Query) WithTimeout(d time.Duration) Query {
	q.opts.timeout = d
	return q
}

// WithLoader returns a copy of the query whose result rows are transformed
// by the loader expression. Accepts anything loader.Get understands.
func (q Query) WithLoader(expr any) Query {
	q.opts.loader = loaderFor(expr)
	return q
}

// WithModel returns a copy of the query with model loading switched on or
// off. With it off, result helpers return raw rows regardless of loaders.
func (q Query) WithModel(enabled bool) Query {
	q.opts.noModel = !enabled
	return q
}

func loaderFor(expr any) loader.Loader {
	if expr == nil {
		return nil
	}
	return loader.Get(expr)
}
