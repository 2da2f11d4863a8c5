package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis/aegis/internal/platform/timerwheel"
)

// EscalationStep is one rung of a per-kind escalation chain: if the alert is
// still unacknowledged After the step's delay, it is re-delivered addressed to
// Role on Channel.
type EscalationStep struct {
	Role    string        `yaml:"role"`
	After   time.Duration `yaml:"after"`
	Channel string        `yaml:"channel"`
}

// UnmarshalYAML accepts "30m" / "2h" delay strings.
func (s *EscalationStep) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Role    string `yaml:"role"`
		After   string `yaml:"after"`
		Channel string `yaml:"channel"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*s = EscalationStep{Role: raw.Role, Channel: raw.Channel}
	if raw.After != "" {
		d, err := time.ParseDuration(raw.After)
		if err != nil {
			return fmt.Errorf("invalid escalation delay %q: %w", raw.After, err)
		}
		s.After = d
	}
	return nil
}

// escalationFile is the on-disk shape of the escalation config: a map of
// alert kind to chain.
type escalationFile struct {
	Chains map[string][]EscalationStep `yaml:"chains"`
}

// LoadEscalationChains reads per-kind escalation chains from a YAML file.
// A missing path yields no chains, which disables escalation.
func LoadEscalationChains(path string) (map[string][]EscalationStep, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading escalation config: %w", err)
	}
	var f escalationFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing escalation config %s: %w", path, err)
	}
	for kind, chain := range f.Chains {
		for i, step := range chain {
			if step.After <= 0 {
				return nil, fmt.Errorf("escalation chain %s step %d: after must be positive", kind, i)
			}
			if step.Role == "" || step.Channel == "" {
				return nil, fmt.Errorf("escalation chain %s step %d: role and channel are required", kind, i)
			}
		}
	}
	return f.Chains, nil
}

// escalationState is the timer payload: which rung fires next.
type escalationState struct {
	AlertID string `json:"alert_id"`
	Step    int    `json:"step"`
}

func escalationKey(alertID string) string {
	return TimerKindEscalation + "/" + alertID
}

// armEscalation arms the timer for the given rung of the alert kind's chain,
// measured from base. No chain for the kind means no escalation.
func (s *Service) armEscalation(ctx context.Context, a *Alert, step int, base time.Time) {
	if s.timers == nil {
		return
	}
	chain := s.chains[a.Kind]
	if step >= len(chain) {
		return
	}
	payload, _ := json.Marshal(escalationState{AlertID: a.AlertID, Step: step})
	err := s.timers.Arm(ctx, timerwheel.Timer{
		Key:     escalationKey(a.AlertID),
		Kind:    TimerKindEscalation,
		FireAt:  base.Add(chain[step].After),
		Payload: payload,
	})
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", a.AlertID).Int("step", step).Msg("arming escalation timer failed")
	}
}

func (s *Service) cancelEscalation(ctx context.Context, a *Alert) {
	s.cancelTimer(ctx, escalationKey(a.AlertID))
}

// onEscalation fires one rung: if the alert is still pending or sent it is
// re-delivered addressed to the rung's role, the escalation is audited, and
// the next rung is armed.
func (s *Service) onEscalation(ctx context.Context, t timerwheel.Timer) {
	var st escalationState
	if err := json.Unmarshal(t.Payload, &st); err != nil {
		s.log.Error().Err(err).Str("key", t.Key).Msg("bad escalation payload")
		return
	}
	a, err := s.repo.GetByAlertID(ctx, st.AlertID)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", st.AlertID).Msg("escalation: lookup failed")
		return
	}
	// Acknowledged, snoozed, and resolved alerts do not escalate.
	if a.Status != StatusPending && a.Status != StatusSent {
		return
	}
	chain := s.chains[a.Kind]
	if st.Step >= len(chain) {
		return
	}
	rung := chain[st.Step]

	s.audit(ctx, a.ID, "escalated", "system", fmt.Sprintf("step %d: %s via %s", st.Step+1, rung.Role, rung.Channel))
	s.log.Warn().Str("alert_id", a.AlertID).Str("kind", a.Kind).Int("step", st.Step+1).
		Str("role", rung.Role).Str("channel", rung.Channel).Msg("alert escalated")

	if s.notifier != nil {
		if derr := s.notifier.Deliver(ctx, a, rung.Channel); derr != nil {
			msg := derr.Error()
			_ = s.repo.AddDelivery(ctx, &DeliveryRow{AlertFK: a.ID, Channel: rung.Channel, Attempt: 1, Status: "failed", Error: &msg})
			s.log.Error().Err(derr).Str("alert_id", a.AlertID).Msg("escalation delivery failed")
		} else {
			_ = s.repo.AddDelivery(ctx, &DeliveryRow{AlertFK: a.ID, Channel: rung.Channel, Attempt: 1, Status: "success"})
		}
	}

	s.armEscalation(ctx, a, st.Step+1, s.now())
}
