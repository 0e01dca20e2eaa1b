package desired

import (
	"sort"
	"strings"
)

// LabelRejection is a label key GroupLabels refused.
type LabelRejection struct {
	Label  string
	Reason RejectionReason
}

// GroupLabels collects "<prefix><rule>.<property>" labels into rule -> property -> value.
// Keys carrying the prefix that do not have exactly a rule and a property after it,
// or that name a reserved property, are returned as rejections and left out.
func GroupLabels(labels map[string]string, prefix string) (map[string]map[string]string, []LabelRejection) {
	if prefix == "" {
		prefix = DefaultRulePrefix
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	groups := map[string]map[string]string{}
	var rejected []LabelRejection
	for _, key := range keys {
		parts := strings.Split(strings.TrimPrefix(key, prefix), ".")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			rejected = append(rejected, LabelRejection{Label: key, Reason: ReasonMalformedKey})
			continue
		}

		ruleNumber, property := parts[0], parts[1]
		if reservedProperties[property] {
			rejected = append(rejected, LabelRejection{Label: key, Reason: ReasonReservedProperty})
			continue
		}

		if groups[ruleNumber] == nil {
			groups[ruleNumber] = map[string]string{}
		}
		groups[ruleNumber][property] = labels[key]
	}
	return groups, rejected
}
