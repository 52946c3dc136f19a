// Package impact maps write operations onto the cached queries and entity
// types they can stale. Registered rules answer exactly; unregistered
// operations fall back to a naming-convention heuristic.
package impact

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Wildcard in a rule's query or type set means "everything": the engine must
// treat it as a full cache reset, not an enumeration.
const Wildcard = "*"

// UnknownEntity is reported when an operation identifier matches no rule and
// no naming convention. Such operations produce no invalidation.
const UnknownEntity = "Unknown"

// CustomFunc performs targeted cleanup a rule's query/type sets cannot
// express. It runs before the standard eviction steps; a returned error is
// logged by the engine and never propagated.
type CustomFunc func(ctx context.Context, params map[string]any) error

// Rule declares the impact of one write operation. Registration is keyed by
// OperationID with last-write-wins semantics.
type Rule struct {
	OperationID    string
	Queries        []string
	Types          []string
	TenantSpecific bool
	// When is an optional CEL guard over {operation, params}. A rule whose
	// guard yields false produces no impact for that mutation.
	When   string
	Custom CustomFunc
}

// Impact is the resolved result of one analysis: either a registered rule's
// fields verbatim or the heuristic fallback.
type Impact struct {
	OperationID    string
	EntityType     string
	Queries        []string
	Types          []string
	TenantSpecific bool
	Custom         CustomFunc
	Registered     bool
}

// Wildcard reports whether any query or type set entry demands a full reset.
func (i Impact) Wildcard() bool {
	for _, q := range i.Queries {
		if q == Wildcard {
			return true
		}
	}
	for _, t := range i.Types {
		if t == Wildcard {
			return true
		}
	}
	return false
}

// Empty reports whether the impact triggers no eviction at all.
func (i Impact) Empty() bool {
	return len(i.Queries) == 0 && len(i.Types) == 0 && i.Custom == nil
}

// operationPattern is the verb-prefix convention the fallback parses:
// create/update/delete followed by a capitalized entity name.
var operationPattern = regexp.MustCompile(`^(create|update|delete)([A-Z][A-Za-z0-9]*)$`)

type compiledRule struct {
	rule  Rule
	guard Guard
}

// Analyzer resolves operation identifiers to impacts. Safe for concurrent use;
// rule registration after start (hot reload) takes effect on the next analysis.
type Analyzer struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]compiledRule
}

// NewAnalyzer constructs an empty analyzer. Rules are registered by the
// config loader and by business modules at process start.
func NewAnalyzer(logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		logger: logger.With(slog.String("agent", "impact_analyzer")),
		rules:  make(map[string]compiledRule),
	}
}

// Register adds or overwrites the rule for its operation identifier.
// Overwrite-on-duplicate is deliberate last-write-wins behavior.
func (a *Analyzer) Register(rule Rule) error {
	if strings.TrimSpace(rule.OperationID) == "" {
		return errors.New("impact: rule operation id required")
	}
	guard, err := CompileGuard(rule.When)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.rules[rule.OperationID]; exists {
		a.logger.Debug("invalidation rule overwritten", slog.String("operation", rule.OperationID))
	}
	a.rules[rule.OperationID] = compiledRule{rule: rule, guard: guard}
	return nil
}

// Lookup returns the registered rule for an operation identifier.
func (a *Analyzer) Lookup(operationID string) (Rule, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	compiled, ok := a.rules[operationID]
	if !ok {
		return Rule{}, false
	}
	return compiled.rule, true
}

// Len reports the number of registered rules.
func (a *Analyzer) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rules)
}

// Analyze resolves the impact of one write operation. A registered rule's
// fields are returned verbatim; otherwise the identifier is parsed against
// the create/update/delete<Entity> convention. Identifiers matching neither
// produce an empty impact, a documented best-effort gap: naming drift past
// the convention silently skips invalidation.
func (a *Analyzer) Analyze(operationID string, params map[string]any) Impact {
	a.mu.RLock()
	compiled, ok := a.rules[operationID]
	a.mu.RUnlock()

	if ok {
		pass, err := compiled.guard.Eval(operationID, params)
		if err != nil {
			// A broken guard must not suppress invalidation; apply the rule.
			a.logger.Warn("rule guard evaluation failed",
				slog.String("operation", operationID),
				slog.Any("error", err))
			pass = true
		}
		if !pass {
			return Impact{OperationID: operationID, Registered: true}
		}
		return Impact{
			OperationID:    operationID,
			Queries:        append([]string(nil), compiled.rule.Queries...),
			Types:          append([]string(nil), compiled.rule.Types...),
			TenantSpecific: compiled.rule.TenantSpecific,
			Custom:         compiled.rule.Custom,
			Registered:     true,
		}
	}

	match := operationPattern.FindStringSubmatch(operationID)
	if match == nil {
		return Impact{OperationID: operationID, EntityType: UnknownEntity}
	}
	entity := match[2]
	lower := strings.ToLower(entity)
	return Impact{
		OperationID:    operationID,
		EntityType:     entity,
		Queries:        []string{lower + "s", lower},
		Types:          []string{entity},
		TenantSpecific: true,
	}
}
