package zkfarmer

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

// Joiner transitions:
//   - initial: not ready, all initial setup should be done
//   - observer ready: not ready but the filesystem observer is running
//   - idle: initial setup has been done, ready to accept events
//   - lost: connection to ZooKeeper has been lost
var joinerTransitions = map[string][]transition{
	"initial setup": {{"initial", "observer ready"}},
	"initial znode setup": {{"observer ready", "idle"},
		{"idle", "idle"}},
	"znode modified": {{"idle", "idle"},
		{"observer ready", "observer ready"},
		{"lost", "lost"}},
	"local modified": {{"idle", "idle"},
		{"observer ready", "observer ready"},
		{"lost", "lost"}},
	"connection lost": {{"observer ready", "lost"},
		{"idle", "lost"},
		{"lost", "lost"}},
	"connection recovered": {{"lost", "observer ready"},
		{"observer ready", "observer ready"}},
}

// Overridable for tests.
var (
	resolveIP = IP
	hostname  = os.Hostname
)

// CommonNodeName is the member id used in common mode, where the node
// is persistent and shared between several agents.
const CommonNodeName = "common"

// Joiner advertises the local configuration artifact as a member of the
// farm. The local artifact is authoritative: remote changes are applied
// locally, but on conflict or reconnection the local content wins. In
// common mode the node is persistent, shared, and the remote content is
// the authority instead.
type Joiner struct {
	*watcher

	nodePath string
	conf     Conf
	common   bool

	// mzxid of our last write to the member node; remote modifications
	// at or below it are our own echo
	mzxid int64

	// whether a one-shot data watch is outstanding on the member node
	monitored bool
}

// NewJoiner creates a joiner for the farm rooted at farmPath and
// schedules its initial setup. The member id is the host's primary
// outbound IPv4 address, or "common" in common mode.
func NewJoiner(conn Coordinator, farmPath string, conf Conf, common bool) (*Joiner, error) {
	id := CommonNodeName
	if !common {
		var err error
		if id, err = resolveIP(); err != nil {
			return nil, err
		}
	}
	j := &Joiner{
		watcher:  newWatcher(conn, joinerTransitions),
		nodePath: FarmKeys{farmPath}.Member(id),
		conf:     conf,
		common:   common,
	}

	j.handle("initial setup", "", j.execInitialSetup)
	j.handle("initial znode setup", "", j.execInitialZnodeSetup)
	j.handle("initial znode setup", "idle", execNoop)
	j.handle("local modified", "", execNoop)
	j.handle("local modified", "idle", j.execLocalModified)
	j.handle("znode modified", "", j.execZnodeWatchReset)
	j.handle("znode modified", "idle", j.execZnodeModified)
	j.handle("connection recovered", "", j.execConnectionRecovered)

	j.event("initial setup")
	return j, nil
}

// NodePath is the member node this joiner owns.
func (j *Joiner) NodePath() string {
	return j.nodePath
}

func (j *Joiner) execConnectionRecovered(string) (bool, error) {
	log.Info("connection with ZooKeeper reestablished")
	j.event("initial znode setup")
	return false, nil
}

// execInitialSetup does the non-ZooKeeper part of the setup: stamp the
// hostname into the local configuration and start the filesystem
// observer.
func (j *Joiner) execInitialSetup(string) (bool, error) {
	info := j.readLocal()
	if !j.common {
		if name, err := hostname(); err == nil {
			info["hostname"] = name
		}
	}
	if err := j.conf.Write(info); err != nil {
		log.WithError(err).Warnf("cannot write local configuration %s", j.conf.Path())
	}
	j.mzxid = 0

	j.observe()

	j.event("initial znode setup")
	return false, nil
}

// execInitialZnodeSetup creates the member node from the current local
// content and arms its data watch. A node that already exists is a
// semantic signal, not an error: our content is authoritative and must
// overwrite it (in common mode the remote content is, so the flow is
// reversed).
func (j *Joiner) execInitialZnodeSetup(string) (bool, error) {
	if err := j.conn.EnsurePath(path.Dir(j.nodePath)); err != nil {
		return false, err
	}
	err := j.conn.Create(j.nodePath, serialize(j.readLocal()), !j.common)
	switch err {
	case nil:
	case zk.ErrNodeExists:
		if j.common {
			j.event("znode modified")
		} else {
			j.event("local modified")
		}
	default:
		return false, err
	}
	return false, j.watchZnode()
}

// execLocalModified pushes a local change to the member node and
// records the write's mzxid for echo suppression.
func (j *Joiner) execLocalModified(string) (bool, error) {
	data, _, err := j.conn.Get(j.nodePath)
	if err != nil {
		return false, err
	}
	currentConf := unserialize(data)
	newConf, err := j.conf.Read()
	if err != nil {
		log.WithError(err).Warnf("cannot read local configuration %s, skipping", j.conf.Path())
		return false, nil
	}
	if newConf == nil {
		newConf = Info{}
	}
	if !reflect.DeepEqual(currentConf, newConf) {
		log.Info("local conf changed")
		log.Debugf("previous conf: %v", currentConf)
		log.Debugf("new conf:      %v", newConf)
		stat, err := j.conn.Set(j.nodePath, serialize(newConf))
		if err != nil {
			return false, err
		}
		j.mzxid = stat.Mzxid
	}
	return false, nil
}

// execZnodeModified applies a remote change to the local artifact,
// re-arming the data watch when none is outstanding. A modification
// whose zxid is at or below our last write is the echo of that write
// (or older) and is discarded.
func (j *Joiner) execZnodeModified(arg string) (bool, error) {
	if arg != "" {
		// This wake was the one-shot data watch firing.
		j.monitored = false
	}
	currentConf := j.readLocal()

	var data []byte
	var stat *zk.Stat
	var err error
	if j.monitored {
		data, stat, err = j.conn.Get(j.nodePath)
	} else {
		var events <-chan zk.Event
		data, stat, events, err = j.conn.GetW(j.nodePath)
		if err == nil {
			j.monitored = true
			go j.forwardZnodeEvent(events)
		}
	}
	if err == zk.ErrNoNode {
		log.Warnf("not able to watch for node %s: does not exist anymore", j.nodePath)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if stat.Mzxid <= j.mzxid {
		log.Debugf("discard remote modification older than latest local modification (%d <= %d)", stat.Mzxid, j.mzxid)
		return false, nil
	}
	newConf := unserialize(data)
	if !reflect.DeepEqual(currentConf, newConf) {
		log.Info("remote conf changed")
		log.Debugf("previous conf: %v", currentConf)
		log.Debugf("new conf:      %v", newConf)
		if err := j.conf.Write(newConf); err != nil {
			log.WithError(err).Warnf("cannot write local configuration %s", j.conf.Path())
		}
	}
	return false, nil
}

// execZnodeWatchReset runs outside idle; the watch that fired is
// consumed and will be re-armed on the next wake.
func (j *Joiner) execZnodeWatchReset(string) (bool, error) {
	j.monitored = false
	return false, nil
}

func (j *Joiner) readLocal() Info {
	info, err := j.conf.Read()
	if err != nil {
		log.WithError(err).Warnf("cannot read local configuration %s", j.conf.Path())
	}
	if info == nil {
		info = Info{}
	}
	return info
}

func (j *Joiner) watchZnode() error {
	_, _, events, err := j.conn.GetW(j.nodePath)
	if err == zk.ErrNoNode {
		log.Warnf("not able to watch for node %s: does not exist anymore", j.nodePath)
		return nil
	}
	if err != nil {
		return err
	}
	j.monitored = true
	go j.forwardZnodeEvent(events)
	return nil
}

func (j *Joiner) forwardZnodeEvent(events <-chan zk.Event) {
	<-events
	j.event("znode modified", j.nodePath)
}

// observe starts a recursive filesystem observer on the artifact's
// directory. Observer failures are logged but do not stop the agent:
// remote reconciliation still works without local change detection.
func (j *Joiner) observe() {
	dir := j.conf.Path()
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		dir = filepath.Dir(dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("cannot start filesystem observer")
		return
	}
	if err := watchRecursive(fsw, dir); err != nil {
		log.WithError(err).Warnf("cannot observe %s", dir)
	}
	go j.dispatchFsEvents(fsw)
}

func watchRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}

func (j *Joiner) dispatchFsEvents(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			j.Dispatch(ev.Name)
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watchRecursive(w, ev.Name); err != nil {
						log.WithError(err).Warnf("cannot observe %s", ev.Name)
					}
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("filesystem observer error")
		}
	}
}

// Dispatch signals that a filesystem event touched the given path. Only
// events under the artifact's path emit "local modified"; this filters
// unrelated sibling files and still catches editors that replace the
// artifact by rename.
func (j *Joiner) Dispatch(p string) {
	if strings.HasPrefix(p, j.conf.Path()) {
		j.event("local modified")
	}
}
