// Package backend is the gateway's coordination point: it owns the relay
// client, the discovered-hub catalog, the per-room history the UI renders,
// and the fan-out of events to attached UI sessions.
//
// Concurrency model: UI commands run on the caller's goroutine and take the
// service lock for state they touch. Everything arriving from the mesh
// (client callbacks, announces) is posted onto a single event-loop
// goroutine, which preserves the order the transport delivered and keeps
// broadcast the loop's exclusive job.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kc1awv/rrc-web/announce"
	"github.com/kc1awv/rrc-web/client"
	"github.com/kc1awv/rrc-web/config"
	"github.com/kc1awv/rrc-web/discovery"
	"github.com/kc1awv/rrc-web/internal/defaults"
	"github.com/kc1awv/rrc-web/internal/ratelimit"
	"github.com/kc1awv/rrc-web/observability"
	"github.com/kc1awv/rrc-web/transport"
	"github.com/kc1awv/rrc-web/uimsg"
)

const (
	// hubRoom is the pseudo-room collecting hub-wide traffic: envelopes
	// without a room tag, connection notices, and hub errors.
	hubRoom = "[Hub]"

	// hubCacheFile sits next to the config file.
	hubCacheFile = "discovered_hubs.json"

	maxNickLen = 32

	// taskBuffer sizes the event-loop queue. Transport callbacks block
	// when it fills, which throttles a hub flooding us faster than the
	// loop drains.
	taskBuffer = 256
)

type room struct {
	messages []uimsg.Event
	members  map[string]struct{}
}

func newRoom() *room {
	return &room{members: make(map[string]struct{})}
}

type subscriber struct {
	ch chan uimsg.Event
}

// Service coordinates the relay client and UI sessions.
type Service struct {
	tr    transport.Transport
	store *config.Store
	log   *slog.Logger

	obs       observability.BackendObserver
	clientObs observability.ClientObserver

	pingInterval time.Duration
	clientOpts   []client.Option
	hubCachePath string

	tasks chan func()
	quit  chan struct{}
	done  chan struct{}

	ann *announce.Handler

	mu         sync.Mutex
	started    bool
	client     *client.Client
	identity   transport.Identity
	hubName    string
	activeRoom string
	rooms      map[string]*room
	nicknames  map[string]string
	catalog    *discovery.Catalog
	sinks      map[*subscriber]struct{}
	lastPing   time.Time
	pingCancel context.CancelFunc
	pingDone   chan struct{}

	limiter *ratelimit.Limiter

	closeOnce sync.Once
}

// Option adjusts a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithObserver sets the backend metrics observer.
func WithObserver(obs observability.BackendObserver) Option {
	return func(s *Service) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithClientObserver sets the metrics observer handed to relay clients the
// service builds.
func WithClientObserver(obs observability.ClientObserver) Option {
	return func(s *Service) {
		if obs != nil {
			s.clientObs = obs
		}
	}
}

// WithPingInterval overrides the keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithClientOptions appends options to every relay client the service
// builds.
func WithClientOptions(opts ...client.Option) Option {
	return func(s *Service) {
		s.clientOpts = append(s.clientOpts, opts...)
	}
}

// WithHubCachePath overrides where the discovered-hub cache is persisted.
func WithHubCachePath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.hubCachePath = path
		}
	}
}

// New builds a Service over the given transport and config store. The
// discovered-hub cache is loaded eagerly; everything else waits for Start.
func New(tr transport.Transport, store *config.Store, opts ...Option) *Service {
	s := &Service{
		tr:           tr,
		store:        store,
		log:          slog.Default(),
		obs:          observability.NoopBackendObserver,
		clientObs:    observability.NoopClientObserver,
		pingInterval: defaults.PingInterval,
		hubCachePath: filepath.Join(store.Dir(), hubCacheFile),
		tasks:        make(chan func(), taskBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		activeRoom:   hubRoom,
		rooms:        map[string]*room{hubRoom: newRoom()},
		nicknames:    make(map[string]string),
		sinks:        make(map[*subscriber]struct{}),
		limiter:      ratelimit.New(defaults.RoomOpsPerWindow, defaults.RoomOpWindow),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.catalog = discovery.Load(s.hubCachePath, s.log)
	s.obs.HubsKnown(s.catalog.Len())
	s.obs.Rooms(len(s.rooms))
	return s
}

// Start spawns the event loop and begins listening for hub announces.
// Canceling ctx closes the service.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("backend already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.loop()

	s.ann = announce.NewHandler(s, announce.WithLogger(s.log))
	s.tr.AttachAnnounceHandler(s.ann)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.quit:
			}
		}()
	}
	return nil
}

// Close disconnects, stops the event loop, and closes every subscriber
// channel. Safe to call more than once.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		if s.ann != nil {
			s.tr.DetachAnnounceHandler(s.ann)
		}

		s.mu.Lock()
		cl := s.client
		s.client = nil
		started := s.started
		s.mu.Unlock()

		if cl != nil {
			// Teardown events still flow through the loop here, so UI
			// sessions see the disconnect before their channels close.
			_ = cl.Close()
		}

		close(s.quit)
		if started {
			<-s.done
		}

		s.mu.Lock()
		if s.pingCancel != nil {
			s.pingCancel()
			s.pingCancel = nil
		}
		pingDone := s.pingDone
		subs := make([]*subscriber, 0, len(s.sinks))
		for sub := range s.sinks {
			subs = append(subs, sub)
		}
		s.sinks = make(map[*subscriber]struct{})
		s.mu.Unlock()

		if pingDone != nil {
			<-pingDone
		}
		for _, sub := range subs {
			close(sub.ch)
		}
	})
}

func (s *Service) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case fn := <-s.tasks:
			fn()
		}
	}
}

// post hands fn to the event loop. It reports false when the service is
// closing and the work was dropped.
func (s *Service) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	case s.tasks <- fn:
		return true
	}
}

// Subscribe attaches a UI session. Events are delivered on the returned
// channel, which the service closes; the cancel function detaches early.
// A slow consumer whose buffer fills loses events rather than stalling
// everyone else.
func (s *Service) Subscribe(buffer int) (<-chan uimsg.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan uimsg.Event, buffer)}

	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	default:
	}
	s.sinks[sub] = struct{}{}
	n := len(s.sinks)
	s.mu.Unlock()
	s.obs.Sessions(n)

	cancel := func() {
		// The loop is the only sender, so it must also be the closer.
		s.post(func() {
			s.mu.Lock()
			_, ok := s.sinks[sub]
			if ok {
				delete(s.sinks, sub)
			}
			n := len(s.sinks)
			s.mu.Unlock()
			if ok {
				close(sub.ch)
				s.obs.Sessions(n)
			}
		})
	}
	return sub.ch, cancel
}

// broadcast fans ev out to every subscriber. Loop goroutine only.
func (s *Service) broadcast(ev uimsg.Event) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.sinks))
	for sub := range s.sinks {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			s.log.Warn("dropping event for slow UI session", "type", ev.Type)
		}
	}
	s.obs.EventOut(ev.Type)
}

// HubDiscovered records an announced hub, persists the catalog, and tells
// the UI. It is the announce.Sink implementation; calls arrive on
// transport goroutines.
func (s *Service) HubDiscovered(hub discovery.Hub) {
	s.mu.Lock()
	s.catalog.Upsert(hub)
	snapshot := s.catalog.Clone()
	n := s.catalog.Len()
	s.mu.Unlock()

	if err := snapshot.Save(s.hubCachePath); err != nil {
		s.log.Warn("cannot save hub cache", "path", s.hubCachePath, "err", err)
	}
	s.obs.HubsKnown(n)

	s.post(func() {
		s.broadcast(uimsg.Event{Type: uimsg.EventHubDiscovered, Hub: &hub})
	})
}

// roomLocked returns the named room, creating it when the table has space.
// ok is false when the room would exceed the table cap. Callers hold mu.
func (s *Service) roomLocked(name string) (*room, bool) {
	if r, ok := s.rooms[name]; ok {
		return r, true
	}
	if len(s.rooms) >= defaults.MaxRooms {
		return nil, false
	}
	r := newRoom()
	s.rooms[name] = r
	s.obs.Rooms(len(s.rooms))
	return r, true
}

// appendLocked adds ev to the room ring, dropping the oldest entries over
// the cap. Callers hold mu.
func (s *Service) appendLocked(r *room, ev uimsg.Event) {
	r.messages = append(r.messages, ev)
	if over := len(r.messages) - defaults.MaxRoomMessages; over > 0 {
		r.messages = append(r.messages[:0], r.messages[over:]...)
	}
}

// formatUserLocked renders an identity hash for display: the learned
// nickname plus a short hash when known, a truncated hash otherwise.
// Callers hold mu.
func (s *Service) formatUserLocked(srcHex string) string {
	if nick := s.nicknames[srcHex]; nick != "" {
		short := srcHex
		if len(short) > 8 {
			short = short[:8]
		}
		return fmt.Sprintf("%s (%s)", nick, short)
	}
	if len(srcHex) > 16 {
		return srcHex[:16] + "..."
	}
	return srcHex
}

// memberNamesLocked renders a room's member list, sorted for stable UI
// rendering. Callers hold mu.
func (s *Service) memberNamesLocked(r *room) []string {
	users := make([]string, 0, len(r.members))
	for srcHex := range r.members {
		users = append(users, s.formatUserLocked(srcHex))
	}
	sort.Strings(users)
	return users
}

func (s *Service) timestamp() string {
	return time.Now().Format("15:04:05")
}
