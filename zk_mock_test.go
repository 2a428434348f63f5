package zkfarmer

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

// fakeZk is an in-memory Coordinator with real watch and session-event
// semantics: one-shot watches, monotonic zxids, ephemeral nodes dropped
// on session expiration.
type fakeZk struct {
	mu           sync.Mutex
	nodes        map[string]*fakeNode
	zxid         int64
	listeners    []func(zk.Event)
	dataWatches  map[string][]chan zk.Event
	childWatches map[string][]chan zk.Event
}

type fakeNode struct {
	data      []byte
	mzxid     int64
	version   int32
	ephemeral bool
}

func newFakeZk() *fakeZk {
	return &fakeZk{
		nodes:        map[string]*fakeNode{"/": {}},
		dataWatches:  map[string][]chan zk.Event{},
		childWatches: map[string][]chan zk.Event{},
	}
}

func (f *fakeZk) AddListener(listener func(zk.Event)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, listener)
	f.mu.Unlock()
}

func (f *fakeZk) EnsurePath(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := ""
	for _, component := range strings.Split(strings.Trim(p, "/"), "/") {
		if component == "" {
			continue
		}
		current += "/" + component
		if _, ok := f.nodes[current]; !ok {
			f.createLocked(current, nil, false)
		}
	}
	return nil
}

func (f *fakeZk) Create(p string, data []byte, ephemeral bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; ok {
		return zk.ErrNodeExists
	}
	if _, ok := f.nodes[path.Dir(p)]; !ok {
		return zk.ErrNoNode
	}
	f.createLocked(p, data, ephemeral)
	return nil
}

func (f *fakeZk) createLocked(p string, data []byte, ephemeral bool) {
	f.zxid++
	f.nodes[p] = &fakeNode{data: data, mzxid: f.zxid, ephemeral: ephemeral}
	f.fireLocked(f.childWatches, path.Dir(p), zk.Event{Type: zk.EventNodeChildrenChanged, Path: path.Dir(p)})
}

func (f *fakeZk) Get(p string) ([]byte, *zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getLocked(p)
}

func (f *fakeZk) getLocked(p string) ([]byte, *zk.Stat, error) {
	n, ok := f.nodes[p]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return append([]byte{}, n.data...), &zk.Stat{Mzxid: n.mzxid, Version: n.version}, nil
}

func (f *fakeZk) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, stat, err := f.getLocked(p)
	if err != nil {
		return nil, nil, nil, err
	}
	ch := make(chan zk.Event, 1)
	f.dataWatches[p] = append(f.dataWatches[p], ch)
	return data, stat, ch, nil
}

func (f *fakeZk) Set(p string, data []byte) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setLocked(p, data)
}

func (f *fakeZk) SetVersion(p string, data []byte, version int32) (*zk.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	if n.version != version {
		return nil, zk.ErrBadVersion
	}
	return f.setLocked(p, data)
}

func (f *fakeZk) setLocked(p string, data []byte) (*zk.Stat, error) {
	n, ok := f.nodes[p]
	if !ok {
		return nil, zk.ErrNoNode
	}
	f.zxid++
	n.data = append([]byte{}, data...)
	n.mzxid = f.zxid
	n.version++
	f.fireLocked(f.dataWatches, p, zk.Event{Type: zk.EventNodeDataChanged, Path: p})
	return &zk.Stat{Mzxid: n.mzxid, Version: n.version}, nil
}

func (f *fakeZk) Children(p string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(p)
}

func (f *fakeZk) childrenLocked(p string) ([]string, error) {
	if _, ok := f.nodes[p]; !ok {
		return nil, zk.ErrNoNode
	}
	prefix := strings.TrimRight(p, "/") + "/"
	var names []string
	for nodePath := range f.nodes {
		if strings.HasPrefix(nodePath, prefix) && !strings.Contains(nodePath[len(prefix):], "/") {
			names = append(names, nodePath[len(prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeZk) ChildrenW(p string) ([]string, <-chan zk.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	children, err := f.childrenLocked(p)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan zk.Event, 1)
	f.childWatches[p] = append(f.childWatches[p], ch)
	return children, ch, nil
}

func (f *fakeZk) Delete(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	prefix := strings.TrimRight(p, "/") + "/"
	for nodePath := range f.nodes {
		if nodePath == p || strings.HasPrefix(nodePath, prefix) {
			delete(f.nodes, nodePath)
		}
	}
	f.zxid++
	f.fireLocked(f.dataWatches, p, zk.Event{Type: zk.EventNodeDeleted, Path: p})
	f.fireLocked(f.childWatches, path.Dir(p), zk.Event{Type: zk.EventNodeChildrenChanged, Path: path.Dir(p)})
	return nil
}

// fireLocked delivers an event to every one-shot watch on the path and
// drops them.
func (f *fakeZk) fireLocked(watches map[string][]chan zk.Event, p string, ev zk.Event) {
	for _, ch := range watches[p] {
		select {
		case ch <- ev:
		default:
		}
	}
	delete(watches, p)
}

// expire simulates a session expiration followed by an immediate
// reconnection: listeners see lost then recovered, every outstanding
// watch fires once and is dropped, ephemeral nodes vanish.
func (f *fakeZk) expire() {
	f.mu.Lock()
	var fired []chan zk.Event
	for p, chans := range f.dataWatches {
		fired = append(fired, chans...)
		delete(f.dataWatches, p)
	}
	for p, chans := range f.childWatches {
		fired = append(fired, chans...)
		delete(f.childWatches, p)
	}
	for p, n := range f.nodes {
		if n.ephemeral {
			delete(f.nodes, p)
		}
	}
	listeners := append([]func(zk.Event){}, f.listeners...)
	f.mu.Unlock()

	for _, listener := range listeners {
		listener(zk.Event{Type: zk.EventSession, State: zk.StateExpired})
	}
	for _, ch := range fired {
		select {
		case ch <- zk.Event{Type: zk.EventNotWatching}:
		default:
		}
	}
	for _, listener := range listeners {
		listener(zk.Event{Type: zk.EventSession, State: zk.StateHasSession})
	}
}

// node returns a snapshot of a node for assertions, nil if absent.
func (f *fakeZk) node(p string) *fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.nodes[p]
	if !ok {
		return nil
	}
	snapshot := *n
	snapshot.data = append([]byte{}, n.data...)
	return &snapshot
}

// memConf is an in-memory Conf recording every write.
type memConf struct {
	mu     sync.Mutex
	info   Info
	path   string
	writes []Info
}

func newMemConf(path string, info Info) *memConf {
	return &memConf{path: path, info: cloneInfo(info)}
}

func cloneInfo(info Info) Info {
	if info == nil {
		return nil
	}
	return unserialize(serialize(info))
}

func (c *memConf) Read() (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneInfo(c.info), nil
}

func (c *memConf) Write(info Info) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = cloneInfo(info)
	c.writes = append(c.writes, cloneInfo(info))
	return nil
}

func (c *memConf) Path() string { return c.path }

func (c *memConf) set(info Info) {
	c.mu.Lock()
	c.info = cloneInfo(info)
	c.mu.Unlock()
}

func (c *memConf) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *memConf) lastWrite() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}
