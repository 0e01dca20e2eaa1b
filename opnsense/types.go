package opnsense

import (
	"strings"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
)

const (
	searchHostOverridePath = "api/unbound/settings/searchHostOverride"
	addHostOverridePath    = "api/unbound/settings/addHostOverride"
	unboundReconfigurePath = "api/unbound/service/reconfigure"

	searchSourceNatPath = "api/firewall/source_nat/search"
	addSourceNatPath    = "api/firewall/source_nat/addRule"
	applySourceNatPath  = "api/firewall/source_nat/apply"
)

type searchRequest struct {
	Current      int               `json:"current"`
	RowCount     int               `json:"rowCount"`
	Sort         map[string]string `json:"sort"`
	SearchPhrase string            `json:"searchPhrase"`
}

type searchResponse[T any] struct {
	Rows     []T `json:"rows"`
	RowCount int `json:"rowCount"`
	Total    int `json:"total"`
	Current  int `json:"current"`
}

type hostOverrideRow struct {
	UUID     string `json:"uuid"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
}

// FQDN is the tracker key of a host override.
func (r hostOverrideRow) FQDN() string {
	if r.Hostname == "" {
		return r.Domain
	}
	return r.Hostname + "." + r.Domain
}

type sourceNatRow struct {
	UUID        string `json:"uuid"`
	Description string `json:"description"`
}

type addResponse struct {
	Result      string            `json:"result"`
	UUID        string            `json:"uuid"`
	Validations map[string]string `json:"validations"`
}

// HostOverrideRequest is the body of addHostOverride.
type HostOverrideRequest struct {
	Host HostOverride `json:"host"`
}

type HostOverride struct {
	Enabled     string `json:"enabled"`
	Hostname    string `json:"hostname"`
	Domain      string `json:"domain"`
	RR          string `json:"rr"`
	MXPrio      string `json:"mxprio"`
	MX          string `json:"mx"`
	Server      string `json:"server"`
	Description string `json:"description"`
}

// NewHostOverrideRequest splits the FQDN at its first dot into host and domain.
func NewHostOverrideRequest(host desired.DesiredHostOverride) HostOverrideRequest {
	name, domain, _ := strings.Cut(host.Hostname, ".")
	return HostOverrideRequest{Host: HostOverride{
		Enabled:     "1",
		Hostname:    name,
		Domain:      domain,
		RR:          "A",
		Server:      host.TargetIP,
		Description: host.Hostname,
	}}
}

// PortForwardRuleRequest is the body of source_nat/addRule.
type PortForwardRuleRequest struct {
	Rule PortForwardRule `json:"rule"`
}

type PortForwardRule struct {
	Enabled         string `json:"enabled"`
	Interface       string `json:"interface"`
	Protocol        string `json:"protocol"`
	DestinationNet  string `json:"destination_net"`
	DestinationPort string `json:"destination_port"`
	Target          string `json:"target"`
	TargetPort      string `json:"target_port"`
	Description     string `json:"description"`
}

var ruleLabelProperties = map[string]bool{
	"protocol":         true,
	"destination_port": true,
	"target_port":      true,
}

// NewPortForwardRuleRequest builds the request from a rule spec. The interface,
// target and description fields always come from the system-set properties.
// Label properties the rule has no field for are returned as ignored.
func NewPortForwardRuleRequest(rule desired.PortForwardRuleSpec) (PortForwardRuleRequest, []string) {
	var ignored []string
	for k := range rule.Properties {
		switch k {
		case desired.PropertyDescription, desired.PropertyInterface, desired.PropertyDestination:
		default:
			if !ruleLabelProperties[k] {
				ignored = append(ignored, k)
			}
		}
	}

	return PortForwardRuleRequest{Rule: PortForwardRule{
		Enabled:         "1",
		Interface:       rule.Properties[desired.PropertyInterface],
		Protocol:        rule.Properties["protocol"],
		DestinationNet:  "wanip",
		DestinationPort: rule.Properties["destination_port"],
		Target:          rule.Properties[desired.PropertyDestination],
		TargetPort:      rule.Properties["target_port"],
		Description:     rule.Description(),
	}}, ignored
}
