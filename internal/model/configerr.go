package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError describes one invalid field of kiscollect.yaml
type ConfigError struct {
	Path    string // log.max_size_mb
	Code    string // missing_required | unknown_field | conflicting_values | type_mismatch
	Message string
	File    string
	Line    int
}

func (c ConfigError) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.File),
		slog.Int("line", c.Line),
	)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|invalid value|out of bound|empty disjunction`)
	reExpectedGot = regexp.MustCompile(`(?i)mismatched types|expected .* got`)
)

// ConfigErrors turns a LoadConfig error into a list of per field diagnostics.
// Errors not coming from CUE validation are returned as a single entry.
func ConfigErrors(err error) []ConfigError {
	if err == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []ConfigError
	for _, e := range cueerrors.Errors(err) {
		path := fieldPath(e.Path())
		if seen[path] {
			continue
		}
		seen[path] = true

		format, args := e.Msg()
		ce := ConfigError{Path: path}
		ce.Code, ce.Message = describe(fmt.Sprintf(format, args...), path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() != "" {
				ce.File, ce.Line = p.Filename(), p.Line()
				break
			}
		}
		out = append(out, ce)
	}
	if len(out) == 0 {
		return []ConfigError{{Code: "validation_error", Message: err.Error()}}
	}
	return out
}

func describe(raw, path string) (code, msg string) {
	field := path[strings.LastIndexByte(path, '.')+1:]
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", field)
	case reExpectedGot.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has a wrong type", field)
	case reConflict.MatchString(raw):
		msg = fmt.Sprintf("field %s has an invalid value", field)
		if d, ok := schemaDefault(path); ok {
			msg += " (default " + d + ")"
		}
		return "conflicting_values", msg
	default:
		return "validation_error", raw
	}
}

// schemaDefault returns the default of the log settings
func schemaDefault(path string) (string, bool) {
	if !strings.HasPrefix(path, "log.") {
		return "", false
	}
	v, ok := logSchema.LookupPath(cue.ParsePath(strings.TrimPrefix(path, "log."))).Default()
	if !ok {
		return "", false
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return "", false
	}
	return string(b), true
}

// fieldPath drops the #Config definition from a CUE path
func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
