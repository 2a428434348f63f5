package zkfarmer

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

const initialState = "initial"

// transition is one allowed (from, to) state pair for an event.
type transition struct {
	src, dst string
}

// handlerFunc is an FSM event handler. The arg is the event payload (a
// node path for watch events, empty otherwise). Returning stay keeps
// the current state; a non-nil error must be a coordination-service
// error and causes the event to be rescheduled.
type handlerFunc func(arg string) (stay bool, err error)

// watcher is the generic FSM runtime shared by the Joiner and the
// Exporter. Each agent declares a transition table and registers
// handlers per event, optionally specialized by source state. The
// runtime is the only goroutine mutating agent state; watch callbacks,
// the filesystem observer and the session listener enqueue events only.
type watcher struct {
	events   *eventQueue
	conn     Coordinator
	state    string
	table    map[string][]transition
	handlers map[string]handlerFunc
}

func newWatcher(conn Coordinator, table map[string][]transition) *watcher {
	w := &watcher{
		events:   newEventQueue(),
		conn:     conn,
		state:    initialState,
		table:    table,
		handlers: make(map[string]handlerFunc),
	}
	if conn != nil {
		conn.AddListener(w.sessionChange)
	}
	return w
}

// handle registers a handler for an event. An empty from state makes it
// the fallback for every source state without a specialized handler.
func (w *watcher) handle(event, from string, fn handlerFunc) {
	w.handlers[handlerKey(event, from)] = fn
}

func handlerKey(event, from string) string {
	if from == "" {
		return event
	}
	return event + " from " + from
}

// event signals a new event to the FSM goroutine.
func (w *watcher) event(name string, args ...string) {
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	w.events.put(priorityNormal, event{name: name, arg: arg})
}

// urgentEvent signals a new priority event to the FSM goroutine.
func (w *watcher) urgentEvent(name string) {
	w.events.put(priorityUrgent, event{name: name})
}

// sessionChange translates client session states into urgent FSM
// events. A suspended connection invalidates watches just like a lost
// one, so both map to "connection lost".
func (w *watcher) sessionChange(ev zk.Event) {
	switch ev.State {
	case zk.StateHasSession:
		log.Info("now connected to ZooKeeper")
		w.urgentEvent("connection recovered")
	case zk.StateExpired:
		log.Warn("connection to ZooKeeper lost")
		w.urgentEvent("connection lost")
	case zk.StateDisconnected:
		log.Warn("connection to ZooKeeper suspended, considered as lost")
		w.urgentEvent("connection lost")
	}
}

// Loop processes events against the transition table. With a negative
// count it loops forever; otherwise it processes up to count events,
// blocking up to timeout per pop (tests step the FSM this way). In
// lenient mode unknown transitions are logged and skipped, which
// absorbs the races a live session produces.
func (w *watcher) Loop(count int, timeout time.Duration, lenient bool) error {
	errors := 0
	for processed := 0; count < 0 || processed < count; processed++ {
		item, ok := w.events.get(timeout)
		if !ok {
			continue
		}

		var tr *transition
		for _, t := range w.table[item.name] {
			if t.src == w.state {
				match := t
				tr = &match
				break
			}
		}
		if tr == nil {
			text := fmt.Sprintf("unknown transition for event %q from state %q", item.name, w.state)
			log.Warn(text)
			if !lenient {
				return fmt.Errorf("%s", text)
			}
			continue
		}
		log.Debugf("transition from %q to %q next to event %q", tr.src, tr.dst, item.name)

		apply := true
		execute := w.handlers[handlerKey(item.name, w.state)]
		if execute == nil {
			execute = w.handlers[handlerKey(item.name, "")]
		}
		if execute != nil {
			stay, err := execute(item.arg)
			if err != nil {
				log.WithError(err).Warn("got a zookeeper error, reschedule the transition")
				w.events.requeue(item)
				apply = false
				errors++
				if errors > 10 {
					log.Warn("too many errors, wait a bit")
					time.Sleep(2 * time.Second)
					errors = 7
				}
			} else {
				errors = 0
				if stay {
					apply = false
				}
			}
		}
		if apply {
			w.state = tr.dst
		}
	}
	return nil
}

// State reports the FSM's current state.
func (w *watcher) State() string {
	return w.state
}
