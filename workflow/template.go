package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stagehand-ai/stagehand/types"
)

// tokenPattern matches the closed set of template references: {input.*},
// {steps.*}, {storage.*}, {env.*}, {item[.FIELD]}, {run_id}, {date},
// {parallel_index}.
var tokenPattern = regexp.MustCompile(`\{([A-Za-z0-9_][A-Za-z0-9_.\-/]*)\}`)

// FanOutScope is the per-item context active inside a fan-out step's body.
type FanOutScope struct {
	// StepID is the fan-out step whose body is being resolved.
	StepID string
	// Index is the item's position in the source list.
	Index int
	// Item is the current list element.
	Item any
}

// Resolver substitutes template references against run state. It is a pure
// function of (template, context) except for {storage.*}, which reads
// through the storage collaborator, and {env.*}.
type Resolver struct {
	storage Storage
}

// NewResolver creates a resolver. storage may be nil when no {storage.*}
// references are expected.
func NewResolver(storage Storage) *Resolver {
	return &Resolver{storage: storage}
}

// Resolve fully substitutes every reference in template, or fails with a
// MISSING_REFERENCE error naming the first unresolved token. Substitution is
// atomic: a step never receives a half-filled prompt.
func (r *Resolver) Resolve(ctx context.Context, template string, rc *RunContext, scope *FanOutScope) (string, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(template, -1)
	if len(matches) == 0 {
		return template, nil
	}

	// Resolve every token before substituting anything.
	var b strings.Builder
	last := 0
	for _, m := range matches {
		token := template[m[2]:m[3]]
		value, err := r.resolveToken(ctx, token, rc, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(template[last:m[0]])
		b.WriteString(stringify(value))
		last = m[1]
	}
	b.WriteString(template[last:])
	return b.String(), nil
}

// ResolveList resolves a parallel_over expression to the list it selects.
// The expression must be a single reference token.
func (r *Resolver) ResolveList(ctx context.Context, expr string, rc *RunContext) ([]any, error) {
	trimmed := strings.TrimSpace(expr)
	m := tokenPattern.FindStringSubmatch(trimmed)
	if m == nil || m[0] != trimmed {
		return nil, types.Errorf(types.ErrMissingReference,
			"parallel_over %q is not a single reference", expr)
	}
	value, err := r.resolveToken(ctx, m[1], rc, nil)
	if err != nil {
		return nil, err
	}
	list, ok := value.([]any)
	if !ok {
		return nil, types.Errorf(types.ErrMissingReference,
			"parallel_over %q resolved to %T, want a list", expr, value)
	}
	return list, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string, rc *RunContext, scope *FanOutScope) (any, error) {
	switch {
	case token == "run_id":
		return rc.RunID, nil

	case token == "date":
		return time.Now().UTC().Format("2006-01-02"), nil

	case token == "parallel_index":
		if scope == nil {
			return nil, missing(token, "parallel_index outside a fan-out body")
		}
		return scope.Index, nil

	case token == "item" || strings.HasPrefix(token, "item."):
		if scope == nil {
			return nil, missing(token, "item reference outside a fan-out body")
		}
		return drill(scope.Item, fieldsOf(token, 1), token)

	case strings.HasPrefix(token, "input."):
		field := token[len("input."):]
		parts := strings.Split(field, ".")
		value, ok := rc.Input[parts[0]]
		if !ok {
			return nil, missing(token, fmt.Sprintf("input field %q not provided", parts[0]))
		}
		return drill(value, parts[1:], token)

	case strings.HasPrefix(token, "steps."):
		return r.resolveStepRef(token, rc, scope)

	case strings.HasPrefix(token, "storage."):
		return r.resolveStorageRef(ctx, token)

	case strings.HasPrefix(token, "env."):
		name := token[len("env."):]
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil, missing(token, fmt.Sprintf("environment variable %s not set", name))
		}
		return value, nil

	default:
		return nil, missing(token, "unknown reference kind")
	}
}

// resolveStepRef handles {steps.ID.output[.FIELD...]}. Inside a fan-out
// step's own body the step's reference resolves to the current item; from a
// downstream step, a fan-out reference resolves to the full per-index list.
func (r *Resolver) resolveStepRef(token string, rc *RunContext, scope *FanOutScope) (any, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 3 || parts[2] != "output" {
		return nil, missing(token, "step references take the form steps.ID.output[.FIELD]")
	}
	stepID := parts[1]
	fields := parts[3:]

	if scope != nil && scope.StepID == stepID {
		return drill(scope.Item, fields, token)
	}

	output, ok := rc.StepOutputs[stepID]
	if !ok {
		return nil, missing(token, fmt.Sprintf("step %q has no recorded output", stepID))
	}
	return drill(output, fields, token)
}

func (r *Resolver) resolveStorageRef(ctx context.Context, token string) (any, error) {
	if r.storage == nil {
		return nil, missing(token, "no storage collaborator configured")
	}
	path := token[len("storage."):]
	data, found, err := r.storage.Read(ctx, path)
	if err != nil {
		return nil, types.Errorf(types.ErrStorageUnavailable, "read storage path %q", path).WithCause(err)
	}
	if !found {
		return nil, missing(token, fmt.Sprintf("storage path %q is absent", path))
	}
	return string(data), nil
}

// drill walks FIELD accessors into nested maps.
func drill(value any, fields []string, token string) (any, error) {
	for _, f := range fields {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, missing(token, fmt.Sprintf("cannot access field %q of %T", f, value))
		}
		value, ok = m[f]
		if !ok {
			return nil, missing(token, fmt.Sprintf("field %q not present", f))
		}
	}
	return value, nil
}

func fieldsOf(token string, skip int) []string {
	parts := strings.Split(token, ".")
	if len(parts) <= skip {
		return nil
	}
	return parts[skip:]
}

func missing(token, detail string) *types.Error {
	return types.Errorf(types.ErrMissingReference, "unresolved token {%s}: %s", token, detail)
}

// stringify renders a resolved value for substitution into a prompt. Scalars
// render plainly; composite values render as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}
