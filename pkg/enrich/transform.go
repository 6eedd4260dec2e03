package enrich

import (
	"fmt"
	"log/slog"

	"github.com/mosajjal/logshuttle/pkg/models"
)

// Sources whose records are reshaped.
const (
	SourceSecurityHub = "securityhub"
	SourceWAF         = "waf"
)

// Transform replaces each Security Hub record with one record per finding
// and rewrites the rule arrays of WAF records as objects keyed by rule id.
// Replacements keep the position of the record they replace.
func Transform(records []models.Record) []models.Record {
	out := make([]models.Record, 0, len(records))
	for _, rec := range records {
		switch models.Metadata(rec).Source() {
		case SourceSecurityHub:
			if findings := separateFindings(rec); len(findings) > 0 {
				out = append(out, findings...)
				continue
			}
		case SourceWAF:
			rec = parseWAF(rec)
		}
		out = append(out, rec)
	}
	return out
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func keyString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	default:
		return fmt.Sprint(t)
	}
}

// separateFindings returns nil when rec has no findings.
func separateFindings(rec models.Record) []models.Record {
	findings, ok := nested(map[string]any(rec), "detail", "findings").([]any)
	if !ok || len(findings) == 0 {
		return nil
	}

	base := models.CloneMap(rec)
	delete(base["detail"].(map[string]any), "findings")

	out := make([]models.Record, 0, len(findings))
	for _, f := range findings {
		finding, ok := f.(map[string]any)
		if !ok {
			slog.Debug("skipping malformed security hub finding")
			continue
		}
		finding = models.CloneMap(finding)
		event := models.CloneMap(base)

		resources := map[string]any{}
		if list, ok := finding["Resources"].([]any); ok && len(list) > 0 {
			delete(finding, "Resources")
			for _, r := range list {
				resource, ok := r.(map[string]any)
				if !ok {
					continue
				}
				typ := resource["Type"]
				delete(resource, "Type")
				resources[keyString(typ)] = resource
			}
		}
		finding["resources"] = resources
		event["detail"].(map[string]any)["finding"] = finding
		out = append(out, models.Record(event))
	}
	return out
}

// parseWAF returns a rewritten copy of rec, or rec itself when its message
// cannot be decoded.
func parseWAF(rec models.Record) models.Record {
	event := models.Record(models.CloneMap(rec))

	decoded, ok := messageObject(event)
	if !ok {
		slog.Debug("failed to decode waf message")
		return rec
	}
	msg, ok := decoded.(map[string]any)
	if !ok {
		if decoded == nil {
			msg = map[string]any{}
		} else {
			return rec
		}
	}

	if headers := nested(msg, "httpRequest", "headers"); truthy(headers) {
		msg["httpRequest"].(map[string]any)["headers"] = nestRules(headers)
	}

	if groups, ok := msg["ruleGroupList"].([]any); ok && len(groups) > 0 {
		msg["ruleGroupList"] = nestRuleGroups(groups)
	}
	if rules := msg["rateBasedRuleList"]; truthy(rules) {
		msg["rateBasedRuleList"] = nestRules(rules)
	}
	if rules := msg["nonTerminatingMatchingRules"]; truthy(rules) {
		msg["nonTerminatingMatchingRules"] = nestRules(rules)
	}

	event[models.FieldMessage] = msg
	return event
}

// nestRuleGroups keys rule groups by id and nests their terminating,
// non-terminating and excluded rules by rule id.
func nestRuleGroups(groups []any) map[string]any {
	out := map[string]any{}
	for _, g := range groups {
		group, ok := g.(map[string]any)
		if !ok {
			continue
		}
		var id any
		if truthy(group["ruleGroupId"]) {
			id = group["ruleGroupId"]
			delete(group, "ruleGroupId")
		}
		key := keyString(id)
		entry, ok := out[key].(map[string]any)
		if !ok {
			entry = map[string]any{}
			out[key] = entry
		}

		merge := func(name string, rules any) {
			target, ok := entry[name].(map[string]any)
			if !ok {
				target = map[string]any{}
				entry[name] = target
			}
			for k, v := range nestRules(rules) {
				target[k] = v
			}
		}
		if rule := group["terminatingRule"]; truthy(rule) {
			delete(group, "terminatingRule")
			merge("terminatingRule", rule)
		}
		for _, name := range []string{"nonTerminatingMatchingRules", "excludedRules"} {
			if rules, ok := group[name].([]any); ok {
				delete(group, name)
				merge(name, rules)
			}
		}
	}
	return out
}

// nestRules turns a rule or a list of rules into an object keyed by ruleId,
// rateBasedRuleName, or name for name/value pairs. An entry without any of
// these reuses the previous key.
func nestRules(rules any) map[string]any {
	out := map[string]any{}
	list, ok := rules.([]any)
	if !ok {
		rule, ok := rules.(map[string]any)
		if !ok {
			return out
		}
		if truthy(rule["ruleId"]) {
			id := rule["ruleId"]
			delete(rule, "ruleId")
			out[keyString(id)] = rule
			return out
		}
		list = []any{rule}
	}

	key := "null"
	for _, e := range list {
		entry, ok := e.(map[string]any)
		if !ok {
			out[key] = e
			continue
		}
		var value any = entry
		switch {
		case truthy(entry["ruleId"]):
			key = keyString(entry["ruleId"])
			delete(entry, "ruleId")
		case truthy(entry["rateBasedRuleName"]):
			key = keyString(entry["rateBasedRuleName"])
			delete(entry, "rateBasedRuleName")
		default:
			name, hasName := entry["name"]
			v, hasValue := entry["value"]
			if hasName && hasValue {
				key = keyString(name)
				value = v
			}
		}
		out[key] = value
	}
	return out
}
