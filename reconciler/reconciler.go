// Package reconciler converges OPNsense host overrides and port-forward rules
// towards what the labels of running containers declare.
//
// Every cycle lists running containers, derives the desired state and creates
// whatever the tracker does not know about yet. A key is recorded only after
// its create call succeeded, so each identity key gets at most one successful
// create per process lifetime and failed items are retried on the next cycle.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinebayar-g/opnsense-docker-automated/desired"
)

type Inventory interface {
	ListRunningContainers(ctx context.Context) ([]desired.ContainerSnapshot, error)
}

type InfraAPI interface {
	CreateHostOverride(ctx context.Context, host desired.DesiredHostOverride) error
	CreatePortForwardRule(ctx context.Context, rule desired.PortForwardRuleSpec) error
	ApplyHostOverrides(ctx context.Context) error
	ApplyPortForwardRules(ctx context.Context) error
}

type Tracker interface {
	HasHostname(hostname string) bool
	HasDescription(description string) bool
	RecordHostname(hostname string)
	RecordDescription(description string)
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	Containers   int
	HostsCreated int
	HostsFailed  int
	RulesCreated int
	RulesFailed  int
	Skipped      int
	Rejected     int
}

type Reconciler struct {
	inventory Inventory
	api       InfraAPI
	tracker   Tracker
	settings  desired.Settings
	logger    zerolog.Logger

	// held for a whole cycle; cycles never overlap
	mu sync.Mutex
}

func New(inventory Inventory, api InfraAPI, tracker Tracker, settings desired.Settings, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		inventory: inventory,
		api:       api,
		tracker:   tracker,
		settings:  settings,
		logger:    logger.With().Str("component", "reconciler").Logger(),
	}
}

// RunCycle performs one reconciliation cycle. The only error it returns is a
// failure to list containers, in which case nothing was attempted.
func (r *Reconciler) RunCycle(ctx context.Context) (CycleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { cycleDuration.Observe(time.Since(start).Seconds()) }()

	var result CycleResult

	containers, err := r.inventory.ListRunningContainers(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues(resultInventoryError).Inc()
		return result, fmt.Errorf("listing containers: %w", err)
	}
	result.Containers = len(containers)

	state := desired.Extract(containers, r.settings)
	r.logRejections(state.Rejections)
	result.Rejected = len(state.Rejections)

	r.reconcileHosts(ctx, state.Hosts, &result)
	r.reconcileRules(ctx, state.Rules, &result)

	cyclesTotal.WithLabelValues(resultSuccess).Inc()
	return result, nil
}

func (r *Reconciler) reconcileHosts(ctx context.Context, hosts []desired.DesiredHostOverride, result *CycleResult) {
	for _, host := range hosts {
		logger := r.logger.With().
			Str("container_id", host.ContainerID).
			Str("container_name", host.ContainerName).
			Str("hostname", host.Hostname).
			Logger()

		if r.tracker.HasHostname(host.Hostname) {
			result.Skipped++
			logger.Debug().Msg("Host override already exists.")
			continue
		}

		if err := r.api.CreateHostOverride(ctx, host); err != nil {
			result.HostsFailed++
			createsTotal.WithLabelValues(kindHostOverride, resultFailure).Inc()
			logger.Error().Err(err).Msg("Failed to add host override.")
			continue
		}

		r.tracker.RecordHostname(host.Hostname)
		result.HostsCreated++
		createsTotal.WithLabelValues(kindHostOverride, resultSuccess).Inc()
		logger.Info().Str("target_ip", host.TargetIP).Msg("Added host override.")
	}

	if result.HostsCreated > 0 {
		if err := r.api.ApplyHostOverrides(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to apply host overrides.")
		}
	}
}

func (r *Reconciler) reconcileRules(ctx context.Context, rules []desired.PortForwardRuleSpec, result *CycleResult) {
	for _, rule := range rules {
		description := rule.Description()
		logger := r.logger.With().
			Str("container_id", rule.ContainerID).
			Str("container_name", rule.ContainerName).
			Str("rule", rule.RuleNumber).
			Str("description", description).
			Logger()

		if r.tracker.HasDescription(description) {
			result.Skipped++
			logger.Debug().Msg("Port forward rule already exists.")
			continue
		}

		if err := r.api.CreatePortForwardRule(ctx, rule); err != nil {
			result.RulesFailed++
			createsTotal.WithLabelValues(kindPortForwardRule, resultFailure).Inc()
			logger.Error().Err(err).Msg("Failed to add port forward rule.")
			continue
		}

		r.tracker.RecordDescription(description)
		result.RulesCreated++
		createsTotal.WithLabelValues(kindPortForwardRule, resultSuccess).Inc()
		logger.Info().
			Str("protocol", rule.Properties["protocol"]).
			Str("destination_port", rule.Properties["destination_port"]).
			Str("target_port", rule.Properties["target_port"]).
			Msg("Added port forward rule.")
	}

	if result.RulesCreated > 0 {
		if err := r.api.ApplyPortForwardRules(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Failed to apply port forward rules.")
		}
	}
}

func (r *Reconciler) logRejections(rejections []desired.Rejection) {
	for _, rej := range rejections {
		labelRejectionsTotal.WithLabelValues(string(rej.Reason)).Inc()

		event := r.logger.Warn()
		msg := "Skipping label."
		switch rej.Reason {
		case desired.ReasonMalformedKey:
			msg = "Invalid label format, skipping."
		case desired.ReasonReservedProperty:
			msg = "Unsupported label property, skipping."
		case desired.ReasonForeignDomain:
			event = r.logger.Debug()
			msg = "Hostname is outside the local domain, skipping."
		}
		event.
			Str("container_id", rej.ContainerID).
			Str("container_name", rej.ContainerName).
			Str("label", rej.Label).
			Str("value", rej.Value).
			Msg(msg)
	}
}
