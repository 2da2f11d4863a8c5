package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/aegis/aegis/internal/clinical"
	"github.com/aegis/aegis/internal/domain/alert"
)

// AlertSink is the slice of the alert service the pump needs for operator
// alerts.
type AlertSink interface {
	Upsert(ctx context.Context, kind, sourceKey string, p alert.Payload) (string, bool, error)
}

const defaultQueueDepth = 1024

// Pump fans events from all sources into one bounded channel. Polling
// sources run on their own goroutines with persisted watermarks; push
// sources call Push. If the queue stays full past the stall window the pump
// raises an ingress-stalled operator alert and keeps delivering best-effort.
type Pump struct {
	out      chan clinical.Event
	pollers  []EventPoller
	marks    WatermarkStore
	alerts   AlertSink
	interval time.Duration
	stall    time.Duration
	tenant   string
	log      zerolog.Logger

	newRetry func() backoff.BackOff

	mu      sync.Mutex
	stalled map[string]bool // source -> stall alert active

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPump builds the pump. interval is the poll cadence, stall the window
// after which a full queue counts as an ingress stall.
func NewPump(marks WatermarkStore, alerts AlertSink, interval, stall time.Duration, log zerolog.Logger) *Pump {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if stall <= 0 {
		stall = time.Minute
	}
	return &Pump{
		out:      make(chan clinical.Event, defaultQueueDepth),
		marks:    marks,
		alerts:   alerts,
		interval: interval,
		stall:    stall,
		log:      log.With().Str("component", "ingest").Logger(),
		stalled:  make(map[string]bool),
		newRetry: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// Register adds a polling source. Must be called before Start.
func (p *Pump) Register(poller EventPoller) {
	p.pollers = append(p.pollers, poller)
}

// Events is the downstream consumer channel.
func (p *Pump) Events() <-chan clinical.Event {
	return p.out
}

// Start launches one polling goroutine per registered source.
func (p *Pump) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, poller := range p.pollers {
		p.wg.Add(1)
		go p.runPoller(ctx, poller)
	}
}

// Stop halts polling and closes the event channel after in-flight deliveries
// drain.
func (p *Pump) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	close(p.out)
}

// Push delivers one event from a push source (HL7 bridge, tests). It blocks
// while the queue is full and raises the stall alert past the stall window.
func (p *Pump) Push(ctx context.Context, source string, ev clinical.Event) error {
	if err := ev.Validate(); err != nil {
		p.log.Warn().Err(err).Str("source", source).Msg("dropping malformed event")
		return err
	}
	return p.deliver(ctx, source, ev)
}

func (p *Pump) runPoller(ctx context.Context, poller EventPoller) {
	defer p.wg.Done()
	name := poller.Name()
	log := p.log.With().Str("source", name).Logger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx, poller, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pump) pollOnce(ctx context.Context, poller EventPoller, log zerolog.Logger) {
	name := poller.Name()
	since, err := p.marks.Get(ctx, name, "event", p.tenant)
	if err != nil {
		log.Error().Err(err).Msg("reading watermark failed")
		return
	}

	var events []clinical.Event
	policy := backoff.WithContext(backoff.WithMaxRetries(p.newRetry(), 3), ctx)
	err = backoff.Retry(func() error {
		var perr error
		events, perr = poller.PollEvents(ctx, since)
		return perr
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("poll failed after retries")
		p.raiseStall(ctx, name, "source unreachable: "+err.Error())
		return
	}
	p.clearStall(name)

	// Per-patient event-time order within one source.
	sort.SliceStable(events, func(i, j int) bool { return events[i].Effective.Before(events[j].Effective) })

	var mark time.Time
	dropped := 0
	for _, ev := range events {
		if verr := ev.Validate(); verr != nil {
			dropped++
			log.Warn().Err(verr).Str("event_id", ev.ID).Msg("dropping malformed event")
			continue
		}
		if err := p.deliver(ctx, name, ev); err != nil {
			return
		}
		if ev.Effective.After(mark) {
			mark = ev.Effective
		}
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("malformed events rejected this poll")
	}
	if !mark.IsZero() {
		if err := p.marks.Set(ctx, name, "event", p.tenant, mark); err != nil {
			log.Error().Err(err).Msg("advancing watermark failed")
		}
	}
}

// deliver sends one event, detecting stalls on the way.
func (p *Pump) deliver(ctx context.Context, source string, ev clinical.Event) error {
	select {
	case p.out <- ev:
		p.clearStall(source)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.stall):
	}

	p.raiseStall(ctx, source, "event queue full past the stall window")

	// Keep trying best-effort; the stall alert is already up.
	select {
	case p.out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pump) raiseStall(ctx context.Context, source, detail string) {
	p.mu.Lock()
	already := p.stalled[source]
	p.stalled[source] = true
	p.mu.Unlock()
	if already || p.alerts == nil {
		return
	}
	_, _, err := p.alerts.Upsert(ctx, alert.KindIngressStalled, source, alert.Payload{
		Severity: alert.SeverityHigh,
		Summary:  "ingestion stalled for source " + source,
		Detail:   detail,
	})
	if err != nil {
		p.log.Error().Err(err).Str("source", source).Msg("raising ingress-stalled alert failed")
	}
}

func (p *Pump) clearStall(source string) {
	p.mu.Lock()
	p.stalled[source] = false
	p.mu.Unlock()
}
