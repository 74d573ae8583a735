package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Event kinds produced by the instrumentation sources.
const (
	KindAction      = "action"
	KindError       = "error"
	KindPerformance = "performance"
	KindRequest     = "request"
	KindResource    = "resource"
	KindCustomInfo  = "customInfo"
	KindRouteChange = "routeChange"
)

// Event is a single committed observation. Payload is opaque to the buffer.
type Event struct {
	Kind       string          `json:"kind"`
	Timestamp  time.Time       `json:"timestamp"`
	PageViewID string          `json:"pageViewId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RouteChange announces a new page view within the session.
type RouteChange struct {
	Path      string    `json:"path"`
	FullPath  string    `json:"fullPath"`
	Timestamp time.Time `json:"timestamp"`
}

// PageView is one entry of the page stack.
type PageView struct {
	PageViewID         string    `json:"pageViewId"`
	PreviousPageViewID string    `json:"previousPageViewId"`
	PreviousSessionID  string    `json:"previousSessionId,omitempty"`
	Path               string    `json:"path"`
	FullPath           string    `json:"fullPath"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Record is the state of one session.
type Record struct {
	SessionID         string            `json:"sessionId"`
	PreviousSessionID string            `json:"previousSessionId"`
	Application       string            `json:"application"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	Path              string            `json:"path"`
	FullPath          string            `json:"fullPath"`
	PageStack         []PageView        `json:"pageStack"`
	EventBuffer       []Event           `json:"eventBuffer"`
}

// NewEvent marshals payload into a new event of the given kind.
func NewEvent(kind string, ts time.Time, payload any) (Event, error) {
	ev := Event{Kind: kind, Timestamp: ts}
	if payload == nil {
		return ev, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		ev.Payload = append(json.RawMessage(nil), raw...)
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	ev.Payload = data
	return ev, nil
}

// RouteEvent wraps a route change in an event of kind KindRouteChange.
func RouteEvent(rc RouteChange) Event {
	data, _ := json.Marshal(rc)
	return Event{Kind: KindRouteChange, Timestamp: rc.Timestamp, Payload: data}
}

// Route decodes the route change carried by a KindRouteChange event.
func (e Event) Route() (RouteChange, error) {
	if e.Kind != KindRouteChange {
		return RouteChange{}, fmt.Errorf("event kind %q is not a route change", e.Kind)
	}
	var rc RouteChange
	if err := json.Unmarshal(e.Payload, &rc); err != nil {
		return RouteChange{}, fmt.Errorf("invalid route change payload: %w", err)
	}
	if rc.Path == "" {
		return RouteChange{}, fmt.Errorf("route change requires a path")
	}
	if rc.FullPath == "" {
		rc.FullPath = rc.Path
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = e.Timestamp
	}
	return rc, nil
}

// NewPageViewID returns a fresh page view identifier.
func NewPageViewID() string {
	id, err := gonanoid.New()
	if err != nil {
		// crypto/rand failure; fall back to a time-derived id
		return fmt.Sprintf("pv-%d", time.Now().UnixNano())
	}
	return id
}

// NewRecord builds a fresh record whose page stack holds the initial page view.
func NewRecord(sessionID, path, fullPath string, now time.Time) *Record {
	if fullPath == "" {
		fullPath = path
	}
	return &Record{
		SessionID: sessionID,
		CreatedAt: now,
		Path:      path,
		FullPath:  fullPath,
		PageStack: []PageView{{
			PageViewID: NewPageViewID(),
			Path:       path,
			FullPath:   fullPath,
			CreatedAt:  now,
		}},
		EventBuffer: []Event{},
	}
}

// CurrentPageView returns the last entry of the page stack.
func (r *Record) CurrentPageView() PageView {
	if len(r.PageStack) == 0 {
		return PageView{}
	}
	return r.PageStack[len(r.PageStack)-1]
}

// PushPageView appends a page view linked to the current one and returns it.
func (r *Record) PushPageView(rc RouteChange) PageView {
	fullPath := rc.FullPath
	if fullPath == "" {
		fullPath = rc.Path
	}
	pv := PageView{
		PageViewID:         NewPageViewID(),
		PreviousPageViewID: r.CurrentPageView().PageViewID,
		Path:               rc.Path,
		FullPath:           fullPath,
		CreatedAt:          rc.Timestamp,
	}
	r.PageStack = append(r.PageStack, pv)
	return pv
}

// Append stamps ev with the current page view and appends it to the buffer.
func (r *Record) Append(ev Event) Event {
	ev.PageViewID = r.CurrentPageView().PageViewID
	r.EventBuffer = append(r.EventBuffer, ev)
	return ev
}

// Trim drops the n oldest events. n larger than the buffer empties it.
func (r *Record) Trim(n int) {
	if n <= 0 {
		return
	}
	if n >= len(r.EventBuffer) {
		r.EventBuffer = []Event{}
		return
	}
	rest := make([]Event, len(r.EventBuffer)-n)
	copy(rest, r.EventBuffer[n:])
	r.EventBuffer = rest
}

// Batch returns a deep copy of the oldest events, at most limit of them.
// A limit of zero or less means no limit.
func (r *Record) Batch(limit int) []Event {
	n := len(r.EventBuffer)
	if limit > 0 && n > limit {
		n = limit
	}
	return cloneEvents(r.EventBuffer[:n])
}
