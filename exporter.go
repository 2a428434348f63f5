package zkfarmer

import (
	"github.com/go-zookeeper/zk"
	lru "github.com/hashicorp/golang-lru"
	log "github.com/sirupsen/logrus"
)

// Exporter transitions:
//   - initial: not ready, initial setup should be done
//   - idle: initial setup has been done, ready to accept events
//   - lost: connection to ZooKeeper has been lost
var exporterTransitions = map[string][]transition{
	"initial setup": {{"initial", "idle"},
		{"idle", "idle"}},
	"children modified": {{"idle", "idle"},
		{"lost", "lost"}},
	"node modified": {{"idle", "idle"},
		{"lost", "lost"}},
	"connection lost": {{"initial", "lost"},
		{"idle", "lost"},
		{"lost", "lost"}},
	"connection recovered": {{"lost", "initial"},
		{"idle", "initial"},
		{"initial", "initial"}},
}

const payloadCacheSize = 512

type payloadKey struct {
	path  string
	mzxid int64
}

// Exporter watches a whole farm and materializes the filtered snapshot
// of its members into a local sink. The coordination tree is the
// authority; the sink is derived state.
type Exporter struct {
	*watcher

	keys    FarmKeys
	conf    Conf
	filter  Filter
	updated func()

	// paths with an outstanding one-shot data watch
	monitored     map[string]bool
	rootMonitored bool

	// deserialized member payloads keyed by (path, mzxid), so a farm
	// sweep does not re-parse members that did not change
	payloads *lru.Cache
}

// NewExporter creates an exporter for the farm rooted at farmPath and
// schedules its initial setup. The filter may be nil to export every
// member; updated, when non-nil, runs after each sink write.
func NewExporter(conn Coordinator, farmPath string, conf Conf, filter Filter, updated func()) *Exporter {
	payloads, _ := lru.New(payloadCacheSize)
	e := &Exporter{
		watcher:  newWatcher(conn, exporterTransitions),
		keys:     FarmKeys{farmPath},
		conf:     conf,
		filter:   filter,
		updated:  updated,
		payloads: payloads,
	}

	e.handle("initial setup", "", e.execInitialSetup)
	e.handle("initial setup", "idle", execNoop)
	e.handle("children modified", "idle", e.execChildrenModified)
	e.handle("children modified", "", e.execChildrenWatchReset)
	e.handle("node modified", "", e.execNodeModified)
	e.handle("connection recovered", "", e.execConnectionRecovered)

	e.event("initial setup")
	return e
}

func execNoop(string) (bool, error) {
	// Tolerated when several reconnections race.
	return false, nil
}

func (e *Exporter) execConnectionRecovered(string) (bool, error) {
	log.Info("connection with ZooKeeper reestablished")
	e.event("initial setup")
	return false, nil
}

// execInitialSetup prepares a fresh connection epoch: every watch
// registered before is dead and the farm path must exist.
func (e *Exporter) execInitialSetup(string) (bool, error) {
	e.monitored = map[string]bool{}
	e.rootMonitored = false
	if err := e.conn.EnsurePath(e.keys.Farm()); err != nil && err != zk.ErrNodeExists {
		return false, err
	}
	e.event("children modified")
	return false, nil
}

// execChildrenWatchReset clears the children-watch flag so that the
// next wake in idle re-registers it. It runs while the connection is
// lost.
func (e *Exporter) execChildrenWatchReset(string) (bool, error) {
	e.rootMonitored = false
	return false, nil
}

// execChildrenModified sweeps the farm: list members, fetch each
// payload, apply the filter and write the snapshot to the sink. The
// children watch and the per-member data watches are one-shot and only
// registered when none is outstanding.
func (e *Exporter) execChildrenModified(arg string) (bool, error) {
	if arg != "" {
		// This wake was the one-shot children watch firing.
		e.rootMonitored = false
	}

	var children []string
	var err error
	if e.rootMonitored {
		children, err = e.conn.Children(e.keys.Farm())
	} else {
		var events <-chan zk.Event
		children, events, err = e.conn.ChildrenW(e.keys.Farm())
		if err == nil {
			e.rootMonitored = true
			go e.forwardChildrenEvent(events)
		}
	}
	if err != nil {
		return false, err
	}

	snapshot := Info{}
	for _, name := range children {
		memberPath := e.keys.Member(name)
		info, err := e.memberInfo(memberPath)
		if err != nil {
			return false, err
		}
		if e.filter == nil || e.filter(info) {
			snapshot[name] = info
		}
	}
	if err := e.conf.Write(snapshot); err != nil {
		log.WithError(err).Warnf("cannot write farm snapshot to %s", e.conf.Path())
	}
	if e.updated != nil {
		e.updated()
	}
	return false, nil
}

// execNodeModified marks the member's watch as consumed and triggers a
// sweep, which re-registers it.
func (e *Exporter) execNodeModified(memberPath string) (bool, error) {
	delete(e.monitored, memberPath)
	e.event("children modified")
	return false, nil
}

// memberInfo fetches one member's payload, arming a one-shot data
// watch when none is outstanding. A member that vanished between the
// children listing and the fetch yields an empty map; malformed
// payloads deserialize to an empty map as well.
func (e *Exporter) memberInfo(memberPath string) (Info, error) {
	var data []byte
	var stat *zk.Stat
	var err error
	if e.monitored[memberPath] {
		data, stat, err = e.conn.Get(memberPath)
	} else {
		var events <-chan zk.Event
		data, stat, events, err = e.conn.GetW(memberPath)
		if err == nil {
			e.monitored[memberPath] = true
			go e.forwardNodeEvent(memberPath, events)
		}
	}
	if err == zk.ErrNoNode {
		return Info{}, nil
	}
	if err != nil {
		return nil, err
	}
	if cached, ok := e.payloads.Get(payloadKey{memberPath, stat.Mzxid}); ok {
		return cached.(Info), nil
	}
	info := unserialize(data)
	e.payloads.Add(payloadKey{memberPath, stat.Mzxid}, info)
	return info, nil
}

func (e *Exporter) forwardChildrenEvent(events <-chan zk.Event) {
	<-events
	e.event("children modified", e.keys.Farm())
}

func (e *Exporter) forwardNodeEvent(memberPath string, events <-chan zk.Event) {
	<-events
	e.event("node modified", memberPath)
}
