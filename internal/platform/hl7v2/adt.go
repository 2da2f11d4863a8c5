package hl7v2

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

// LocationState tracks where a patient is in the perioperative flow.
type LocationState string

const (
	LocUnknown        LocationState = "unknown"
	LocInpatient      LocationState = "inpatient"
	LocPreOp          LocationState = "pre-op"
	LocOperatingRoom  LocationState = "operating-room"
	LocPostAnesthesia LocationState = "post-anesthesia"
	LocDischarged     LocationState = "discharged"
)

// Prophylaxis check timers armed by location transitions. Pre-op entry is the
// T-2h checkpoint of the surgical-prophylaxis chain; operating-room entry is
// the T-0 critical check.
const (
	TimerKindProphylaxisT2h = "prophylaxis-t2h"
	TimerKindProphylaxisT0  = "prophylaxis-t0"
)

// ProphylaxisTimer is the payload carried by prophylaxis check timers.
type ProphylaxisTimer struct {
	PatientID string    `json:"patient_id"`
	Stage     string    `json:"stage"` // "t-2h" or "t-0"
	EnteredAt time.Time `json:"entered_at"`
}

// Pusher receives normalized events from the bridge (the ingest pump).
type Pusher interface {
	Push(ctx context.Context, source string, ev clinical.Event) error
}

// Timers arms scheduler timers for the prophylaxis chain.
type Timers interface {
	Arm(ctx context.Context, t timerwheel.Timer) error
	Cancel(ctx context.Context, key string) error
}

// ADTBridge turns admit/discharge/transfer messages into location events and
// drives the per-patient location state machine.
type ADTBridge struct {
	pump   Pusher
	timers Timers
	log    zerolog.Logger

	mu     sync.Mutex
	states map[string]LocationState
	seq    int
}

func NewADTBridge(pump Pusher, timers Timers, log zerolog.Logger) *ADTBridge {
	return &ADTBridge{
		pump:   pump,
		timers: timers,
		log:    log.With().Str("component", "adt").Logger(),
		states: make(map[string]LocationState),
	}
}

// State returns the tracked location state for a patient.
func (b *ADTBridge) State(patientID string) LocationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[patientID]; ok {
		return st
	}
	return LocUnknown
}

// Handler returns the MLLP handler: every message is acknowledged, ADT
// messages additionally feed the state machine. A message the bridge cannot
// use is still ACKed; the sending interface engine retries NAKed messages
// forever and the stream must keep moving.
func (b *ADTBridge) Handler(ctx context.Context) Handler {
	return func(msg *Message) *Message {
		if strings.HasPrefix(msg.Type, "ADT^") {
			if err := b.handleADT(ctx, msg); err != nil {
				b.log.Warn().Err(err).Str("type", msg.Type).Str("control_id", msg.ControlID).Msg("adt message not usable")
				return Ack(msg, "AE")
			}
		}
		return Ack(msg, "AA")
	}
}

func (b *ADTBridge) handleADT(ctx context.Context, msg *Message) error {
	pid, ok := msg.Segment("PID")
	if !ok {
		return fmt.Errorf("missing PID segment")
	}
	patientID := pid.Field(3).Component(0)
	if patientID == "" {
		return fmt.Errorf("missing patient identifier (PID-3)")
	}
	name := ""
	if nm := pid.Field(5); nm.Value != "" {
		name = strings.TrimSpace(nm.Component(1) + " " + nm.Component(0))
	}

	unit := ""
	if pv1, ok := msg.Segment("PV1"); ok {
		unit = pv1.Field(3).Component(0)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	trigger := strings.TrimPrefix(msg.Type, "ADT^")
	var next LocationState
	switch trigger {
	case "A03":
		next = LocDischarged
	case "A01", "A02", "A04", "A08":
		next = classifyUnit(unit)
	default:
		// Other ADT triggers don't move the location state machine.
		return nil
	}

	b.mu.Lock()
	prev := b.states[patientID]
	if prev == "" {
		prev = LocUnknown
	}
	b.states[patientID] = next
	b.seq++
	seq := b.seq
	b.mu.Unlock()

	if prev == next {
		return nil
	}
	b.log.Info().Str("patient", patientID).Str("from", string(prev)).Str("to", string(next)).Str("unit", unit).Msg("location transition")

	ev := clinical.Event{
		ID:        fmt.Sprintf("adt-%s-%d", msg.ControlID, seq),
		Kind:      clinical.KindLocation,
		Patient:   clinical.PatientRef{ID: patientID, DisplayName: name},
		Effective: at,
		Source:    "hl7",
		Location:  &clinical.LocationEvent{From: string(prev), To: string(next), Unit: unit},
	}
	if err := b.pump.Push(ctx, "hl7", ev); err != nil {
		return fmt.Errorf("pushing location event: %w", err)
	}

	b.armProphylaxis(ctx, patientID, prev, next, at)
	return nil
}

// armProphylaxis manages the surgical-prophylaxis checkpoint timers: pre-op
// entry arms the T-2h check, operating-room entry fires the T-0 critical
// check.
func (b *ADTBridge) armProphylaxis(ctx context.Context, patientID string, prev, next LocationState, at time.Time) {
	if b.timers == nil {
		return
	}
	key := "prophylaxis/" + patientID
	switch next {
	case LocPreOp:
		payload, _ := json.Marshal(ProphylaxisTimer{PatientID: patientID, Stage: "t-2h", EnteredAt: at})
		if err := b.timers.Arm(ctx, timerwheel.Timer{Key: key, Kind: TimerKindProphylaxisT2h, FireAt: at, Payload: payload}); err != nil {
			b.log.Error().Err(err).Str("patient", patientID).Msg("arming t-2h check failed")
		}
	case LocOperatingRoom:
		payload, _ := json.Marshal(ProphylaxisTimer{PatientID: patientID, Stage: "t-0", EnteredAt: at})
		if err := b.timers.Arm(ctx, timerwheel.Timer{Key: key, Kind: TimerKindProphylaxisT0, FireAt: at, Payload: payload}); err != nil {
			b.log.Error().Err(err).Str("patient", patientID).Msg("arming t-0 check failed")
		}
	case LocDischarged:
		if prev == LocPreOp || prev == LocOperatingRoom || prev == LocPostAnesthesia {
			if err := b.timers.Cancel(ctx, key); err != nil {
				b.log.Error().Err(err).Str("patient", patientID).Msg("cancelling prophylaxis timer failed")
			}
		}
	}
}

// classifyUnit maps a PV1-3 unit name to a location state.
func classifyUnit(unit string) LocationState {
	u := strings.ToUpper(unit)
	switch {
	case u == "":
		return LocInpatient
	case strings.Contains(u, "PREOP"), strings.Contains(u, "PRE-OP"):
		return LocPreOp
	case u == "OR", strings.HasPrefix(u, "OR-"), strings.HasPrefix(u, "OR "), strings.Contains(u, "OPERATING"):
		return LocOperatingRoom
	case strings.Contains(u, "PACU"), strings.Contains(u, "RECOVERY"):
		return LocPostAnesthesia
	default:
		return LocInpatient
	}
}
