package mapping

import (
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f64(v float64) *float64 { return &v }

func str(s string) *string { return &s }

func prepared(t *testing.T, r Rules) *Mapping {
	t.Helper()
	m := New(r)
	m.Prepare("dev", DefaultFuncs(), discardLogger())
	return m
}
