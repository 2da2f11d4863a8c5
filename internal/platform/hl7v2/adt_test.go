package hl7v2

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/platform/timerwheel"
)

type pumpRecorder struct {
	mu     sync.Mutex
	events []clinical.Event
}

func (p *pumpRecorder) Push(_ context.Context, _ string, ev clinical.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *pumpRecorder) all() []clinical.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]clinical.Event(nil), p.events...)
}

type timerRecorder struct {
	mu        sync.Mutex
	armed     []timerwheel.Timer
	cancelled []string
}

func (t *timerRecorder) Arm(_ context.Context, tm timerwheel.Timer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = append(t.armed, tm)
	return nil
}

func (t *timerRecorder) Cancel(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, key)
	return nil
}

func adtMessage(t *testing.T, trigger, controlID, unit string) *Message {
	t.Helper()
	raw := fmt.Sprintf("MSH|^~\\&|EPIC|MEM|AEGIS|MEM|20260301120500||ADT^%s|%s|P|2.5.1\r"+
		"PID|1||MRN9^^^MEM||SMITH^ALEX\rPV1|1|I|%s", trigger, controlID, unit)
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return msg
}

func TestADTDrivesLocationStateMachine(t *testing.T) {
	pump := &pumpRecorder{}
	timers := &timerRecorder{}
	b := NewADTBridge(pump, timers, zerolog.Nop())
	h := b.Handler(context.Background())

	steps := []struct {
		trigger, unit string
		want          LocationState
	}{
		{"A01", "4WEST", LocInpatient},
		{"A02", "PREOP-2", LocPreOp},
		{"A02", "OR-5", LocOperatingRoom},
		{"A02", "PACU", LocPostAnesthesia},
		{"A03", "", LocDischarged},
	}
	for i, step := range steps {
		ack := h(adtMessage(t, step.trigger, fmt.Sprintf("M%d", i), step.unit))
		if msa, _ := ack.Segment("MSA"); msa.Field(1).Value != "AA" {
			t.Fatalf("step %d not acked: %s", i, msa.Field(1).Value)
		}
		if got := b.State("MRN9"); got != step.want {
			t.Errorf("step %d: state = %s, want %s", i, got, step.want)
		}
	}

	events := pump.all()
	if len(events) != 5 {
		t.Fatalf("%d location events, want 5", len(events))
	}
	if events[1].Location.From != string(LocInpatient) || events[1].Location.To != string(LocPreOp) {
		t.Errorf("transition event = %+v", events[1].Location)
	}
}

func TestADTArmsProphylaxisCheckpoints(t *testing.T) {
	pump := &pumpRecorder{}
	timers := &timerRecorder{}
	b := NewADTBridge(pump, timers, zerolog.Nop())
	h := b.Handler(context.Background())

	h(adtMessage(t, "A01", "M1", "4WEST"))
	h(adtMessage(t, "A02", "M2", "PREOP-2"))
	h(adtMessage(t, "A02", "M3", "OR-5"))

	timers.mu.Lock()
	defer timers.mu.Unlock()
	if len(timers.armed) != 2 {
		t.Fatalf("%d timers armed, want 2 (t-2h and t-0)", len(timers.armed))
	}
	if timers.armed[0].Kind != TimerKindProphylaxisT2h {
		t.Errorf("pre-op armed %s", timers.armed[0].Kind)
	}
	if timers.armed[1].Kind != TimerKindProphylaxisT0 {
		t.Errorf("operating-room armed %s", timers.armed[1].Kind)
	}
	if timers.armed[0].Key != "prophylaxis/MRN9" || timers.armed[1].Key != "prophylaxis/MRN9" {
		t.Errorf("timer keys = %s, %s", timers.armed[0].Key, timers.armed[1].Key)
	}
}

func TestADTRepeatedLocationIsNoop(t *testing.T) {
	pump := &pumpRecorder{}
	b := NewADTBridge(pump, &timerRecorder{}, zerolog.Nop())
	h := b.Handler(context.Background())

	h(adtMessage(t, "A01", "M1", "4WEST"))
	h(adtMessage(t, "A08", "M2", "4WEST")) // update, same unit

	if got := len(pump.all()); got != 1 {
		t.Errorf("%d events, want 1 (no event for unchanged state)", got)
	}
}

func TestADTRejectsMessageWithoutPatient(t *testing.T) {
	b := NewADTBridge(&pumpRecorder{}, &timerRecorder{}, zerolog.Nop())
	h := b.Handler(context.Background())

	raw := "MSH|^~\\&|EPIC|MEM|AEGIS|MEM|20260301120500||ADT^A01|MX|P|2.5.1\rPV1|1|I|4WEST"
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ack := h(msg)
	if msa, _ := ack.Segment("MSA"); msa.Field(1).Value != "AE" {
		t.Errorf("ack code = %s, want AE", msa.Field(1).Value)
	}
}

func TestMLLPServerAcksOverTCP(t *testing.T) {
	pump := &pumpRecorder{}
	b := NewADTBridge(pump, &timerRecorder{}, zerolog.Nop())
	srv := NewServer("127.0.0.1:0", b.Handler(context.Background()), zerolog.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	raw := "MSH|^~\\&|EPIC|MEM|AEGIS|MEM|20260301120500||ADT^A01|TCP1|P|2.5.1\r" +
		"PID|1||MRN77^^^MEM||LEE^SAM\rPV1|1|I|4WEST"
	if _, err := conn.Write(Frame([]byte(raw))); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	var got []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
			if msg, _, found := Unframe(got); found {
				ack, err := Parse(msg)
				if err != nil {
					t.Fatalf("parsing ack: %v", err)
				}
				if msa, _ := ack.Segment("MSA"); msa.Field(1).Value != "AA" || msa.Field(2).Value != "TCP1" {
					t.Errorf("MSA = %q %q", msa.Field(1).Value, msa.Field(2).Value)
				}
				if b.State("MRN77") != LocInpatient {
					t.Errorf("state = %s", b.State("MRN77"))
				}
				return
			}
		}
		if err != nil {
			t.Fatalf("no ack received: %v", err)
		}
	}
}
