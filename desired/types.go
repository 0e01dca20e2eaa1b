package desired

import "strings"

// Properties injected by Extract. Labels may not set them.
const (
	PropertyDescription = "description"
	PropertyInterface   = "interface"
	PropertyDestination = "destination"
)

const (
	DefaultRulePrefix    = "port_forward."
	DefaultHostnameLabel = "caddy"
	DefaultDomainSuffix  = ".local"
)

var reservedProperties = map[string]bool{
	PropertyDescription: true,
	PropertyInterface:   true,
	PropertyDestination: true,
}

// ContainerSnapshot is what a poll cycle knows about one running container.
type ContainerSnapshot struct {
	ID     string
	Names  []string
	Labels map[string]string
}

// Name returns the first container name, or the short ID when the container has none.
func (c ContainerSnapshot) Name() string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// PortForwardRuleSpec is one desired port-forward rule. Properties holds the
// label-supplied fields plus description, interface and destination.
type PortForwardRuleSpec struct {
	ContainerID   string
	ContainerName string
	RuleNumber    string
	Properties    map[string]string
}

// Description is the identity key of the rule.
func (r PortForwardRuleSpec) Description() string {
	return r.Properties[PropertyDescription]
}

// DesiredHostOverride is one desired DNS host override. Hostname is its identity key.
type DesiredHostOverride struct {
	Hostname      string
	TargetIP      string
	ContainerID   string
	ContainerName string
}

// RuleKey derives the identity key of a port-forward rule.
func RuleKey(containerID, ruleNumber string) string {
	return containerID + ":" + ruleNumber
}

type RejectionReason string

const (
	ReasonMalformedKey     RejectionReason = "malformed_key"
	ReasonReservedProperty RejectionReason = "reserved_property"
	ReasonForeignDomain    RejectionReason = "foreign_domain"
)

// Rejection records a label that was skipped while building desired state.
type Rejection struct {
	ContainerID   string
	ContainerName string
	Label         string
	Value         string
	Reason        RejectionReason
}

// Settings are the static inputs of Extract.
type Settings struct {
	WANInterface      string
	LocalIPAddress    string
	LocalDomainSuffix string
	RulePrefix        string
	HostnameLabel     string
}

func (s Settings) withDefaults() Settings {
	if s.LocalDomainSuffix == "" {
		s.LocalDomainSuffix = DefaultDomainSuffix
	}
	if s.RulePrefix == "" {
		s.RulePrefix = DefaultRulePrefix
	}
	if s.HostnameLabel == "" {
		s.HostnameLabel = DefaultHostnameLabel
	}
	return s
}

// State is the desired state of one poll cycle.
type State struct {
	Hosts      []DesiredHostOverride
	Rules      []PortForwardRuleSpec
	Rejections []Rejection
}
