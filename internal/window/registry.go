package window

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
)

// EventType tags a Registry event.
type EventType string

const (
	EventOpened  EventType = "opened"
	EventFocused EventType = "focused"
	EventClosed  EventType = "closed"
)

type Event struct {
	Type   EventType `json:"type"`
	Window Window    `json:"window"`
}

// Window is the Registry view of one open window.
type Window struct {
	ID      ID     `json:"id"`
	URL     string `json:"url"`
	Bounds  Bounds `json:"bounds"`
	Focused bool   `json:"focused"`
}

// Registry is an in-process Manager. The extension shell renders whatever the Registry
// holds and reports user-initiated closes back through Close.
type Registry struct {
	mu          sync.Mutex
	nextID      ID
	windows     map[ID]*Window
	screenWidth int

	closedFeed event.Feed
	eventFeed  event.Feed
}

// NewRegistry creates an empty registry. screenWidth <= 0 means geometry is unknown.
func NewRegistry(screenWidth int) *Registry {
	return &Registry{
		nextID:      1,
		windows:     make(map[ID]*Window),
		screenWidth: screenWidth,
	}
}

func (r *Registry) Create(_ context.Context, opts CreateOptions) (ID, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	for _, w := range r.windows {
		w.Focused = false
	}
	w := &Window{ID: id, URL: opts.URL, Bounds: opts.Bounds, Focused: true}
	r.windows[id] = w
	snapshot := *w
	r.mu.Unlock()

	log.Info("approval window opened", "window_id", id, "url", opts.URL)
	r.eventFeed.Send(Event{Type: EventOpened, Window: snapshot})
	return id, nil
}

func (r *Registry) Focus(_ context.Context, id ID) error {
	r.mu.Lock()
	w, ok := r.windows[id]
	if !ok {
		r.mu.Unlock()
		return ErrNoWindow
	}
	for _, other := range r.windows {
		other.Focused = false
	}
	w.Focused = true
	snapshot := *w
	r.mu.Unlock()

	r.eventFeed.Send(Event{Type: EventFocused, Window: snapshot})
	return nil
}

// Close removes the window and announces it. An unknown or already closed window
// yields ErrNoWindow and no event.
func (r *Registry) Close(_ context.Context, id ID) error {
	r.mu.Lock()
	w, ok := r.windows[id]
	if !ok {
		r.mu.Unlock()
		return ErrNoWindow
	}
	delete(r.windows, id)
	snapshot := *w
	r.mu.Unlock()

	log.Info("approval window closed", "window_id", id)
	r.eventFeed.Send(Event{Type: EventClosed, Window: snapshot})
	r.closedFeed.Send(id)
	return nil
}

func (r *Registry) Exists(_ context.Context, id ID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.windows[id]
	return ok, nil
}

func (r *Registry) ScreenWidth(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screenWidth <= 0 {
		return 0, ErrNoDisplay
	}
	return r.screenWidth, nil
}

// SetScreenWidth records display geometry reported by the extension shell.
func (r *Registry) SetScreenWidth(w int) {
	r.mu.Lock()
	r.screenWidth = w
	r.mu.Unlock()
}

func (r *Registry) SubscribeClosed(ch chan<- ID) event.Subscription {
	return r.closedFeed.Subscribe(ch)
}

// SubscribeEvents delivers every open, focus and close.
func (r *Registry) SubscribeEvents(ch chan<- Event) event.Subscription {
	return r.eventFeed.Subscribe(ch)
}

// Open returns the open windows ordered by id.
func (r *Registry) Open() []Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Window, 0, len(r.windows))
	for _, w := range r.windows {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Current returns the focused window, falling back to the newest one.
func (r *Registry) Current() (Window, bool) {
	open := r.Open()
	if len(open) == 0 {
		return Window{}, false
	}
	for _, w := range open {
		if w.Focused {
			return w, true
		}
	}
	return open[len(open)-1], true
}

func (r *Registry) Get(id ID) (Window, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.windows[id]
	if !ok {
		return Window{}, false
	}
	return *w, true
}
