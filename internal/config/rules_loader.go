package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/stalectl/stalectl/internal/impact"
)

// RuleBundle is the resolved rule table plus its provenance: which sources
// contributed and which definitions were quarantined.
type RuleBundle struct {
	Rules   map[string]RuleConfig
	Sources []string
	Skipped []RuleSkip
}

// inlineSource labels rules declared directly in the main config document.
const inlineSource = "inline"

// buildRuleBundle merges rule definitions from the inline config block and
// the configured file or folder source. A rule name seen in more than one
// source is quarantined entirely: serving either copy silently would hide the
// operator error, so neither is registered.
func buildRuleBundle(ctx context.Context, inline map[string]RuleConfig, rulesCfg RulesConfig) (RuleBundle, error) {
	agg := newRuleAggregator()
	agg.add(inlineSource, inline)

	switch {
	case rulesCfg.RulesFile != "":
		rules, err := loadRulesFile(rulesCfg.RulesFile)
		if err != nil {
			return RuleBundle{}, err
		}
		agg.add(rulesCfg.RulesFile, rules)
	case rulesCfg.RulesFolder != "":
		if err := loadRulesFolder(ctx, agg, rulesCfg.RulesFolder); err != nil {
			return RuleBundle{}, err
		}
	}

	return agg.bundle(), nil
}

// ruleAggregator accumulates definitions per name so duplicates across
// sources can be detected after every source has been read.
type ruleAggregator struct {
	sources []string
	byName  map[string][]sourcedRule
}

type sourcedRule struct {
	source string
	rule   RuleConfig
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{byName: make(map[string][]sourcedRule)}
}

func (a *ruleAggregator) add(source string, rules map[string]RuleConfig) {
	if len(rules) == 0 {
		return
	}
	a.sources = appendUnique(a.sources, source)
	for name, rule := range rules {
		a.byName[name] = append(a.byName[name], sourcedRule{source: source, rule: rule})
	}
}

func (a *ruleAggregator) bundle() RuleBundle {
	out := RuleBundle{
		Rules:   make(map[string]RuleConfig, len(a.byName)),
		Sources: a.sources,
	}
	names := make([]string, 0, len(a.byName))
	for name := range a.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		defs := a.byName[name]
		if len(defs) > 1 {
			srcs := make([]string, 0, len(defs))
			for _, def := range defs {
				srcs = appendUnique(srcs, def.source)
			}
			out.Skipped = append(out.Skipped, RuleSkip{
				Name:    name,
				Reason:  "duplicate definition",
				Sources: srcs,
			})
			continue
		}
		def := defs[0]
		if def.rule.When != "" {
			if err := impact.ValidateGuard(def.rule.When); err != nil {
				out.Skipped = append(out.Skipped, RuleSkip{
					Name:    name,
					Reason:  fmt.Sprintf("guard rejected: %v", err),
					Sources: []string{def.source},
				})
				continue
			}
		}
		out.Rules[name] = def.rule
	}
	return out
}

// ruleDocument is the shape of a standalone rules YAML file.
type ruleDocument struct {
	Rules map[string]RuleConfig `koanf:"rules"`
}

func loadRulesFile(path string) (map[string]RuleConfig, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load rules file %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal rules file %s: %w", path, err)
	}
	for name, rule := range doc.Rules {
		if err := validateRule(name, rule); err != nil {
			return nil, fmt.Errorf("config: rules file %s: %w", path, err)
		}
	}
	return doc.Rules, nil
}

func loadRulesFolder(ctx context.Context, agg *ruleAggregator, folder string) error {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("config: read rules folder %s: %w", folder, err)
	}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if entry.IsDir() || !isSupportedRulesFile(entry.Name()) {
			continue
		}
		path := filepath.Join(folder, entry.Name())
		rules, err := loadRulesFile(path)
		if err != nil {
			return err
		}
		agg.add(path, rules)
	}
	return nil
}

func isSupportedRulesFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
