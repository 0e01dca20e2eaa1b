package desired

import (
	"sort"
	"strings"
)

// Extract computes the desired host overrides and port-forward rules of the
// given containers. It has no side effects; rejected labels are reported in
// State.Rejections.
func Extract(containers []ContainerSnapshot, settings Settings) State {
	settings = settings.withDefaults()
	var state State

	for _, container := range containers {
		name := container.Name()

		if hostname, ok := container.Labels[settings.HostnameLabel]; ok {
			if isLocalHostname(hostname, settings.LocalDomainSuffix) {
				state.Hosts = append(state.Hosts, DesiredHostOverride{
					Hostname:      hostname,
					TargetIP:      settings.LocalIPAddress,
					ContainerID:   container.ID,
					ContainerName: name,
				})
			} else {
				state.Rejections = append(state.Rejections, Rejection{
					ContainerID:   container.ID,
					ContainerName: name,
					Label:         settings.HostnameLabel,
					Value:         hostname,
					Reason:        ReasonForeignDomain,
				})
			}
		}

		groups, rejected := GroupLabels(container.Labels, settings.RulePrefix)
		for _, r := range rejected {
			state.Rejections = append(state.Rejections, Rejection{
				ContainerID:   container.ID,
				ContainerName: name,
				Label:         r.Label,
				Value:         container.Labels[r.Label],
				Reason:        r.Reason,
			})
		}

		ruleNumbers := make([]string, 0, len(groups))
		for ruleNumber := range groups {
			ruleNumbers = append(ruleNumbers, ruleNumber)
		}
		sort.Strings(ruleNumbers)

		for _, ruleNumber := range ruleNumbers {
			properties := make(map[string]string, len(groups[ruleNumber])+3)
			for k, v := range groups[ruleNumber] {
				properties[k] = v
			}
			properties[PropertyDescription] = RuleKey(container.ID, ruleNumber)
			properties[PropertyInterface] = settings.WANInterface
			properties[PropertyDestination] = settings.LocalIPAddress

			state.Rules = append(state.Rules, PortForwardRuleSpec{
				ContainerID:   container.ID,
				ContainerName: name,
				RuleNumber:    ruleNumber,
				Properties:    properties,
			})
		}
	}
	return state
}

// isLocalHostname requires a non-empty host part in front of the suffix.
func isLocalHostname(hostname, suffix string) bool {
	return strings.HasSuffix(hostname, suffix) && len(hostname) > len(suffix)
}
