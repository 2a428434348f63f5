package zkfarmer

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

// OpenACLUnsafe is the world-accessible ACL applied to every node
// zkfarmer creates.
var OpenACLUnsafe = zk.WorldACL(zk.PermAll)

// Coordinator is the coordination-service surface consumed by the
// agents: hierarchical nodes, optional ephemerality, one-shot data and
// children watches, and session-state notification.
type Coordinator interface {
	EnsurePath(path string) error
	Create(path string, data []byte, ephemeral bool) error
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Set(path string, data []byte) (*zk.Stat, error)
	SetVersion(path string, data []byte, version int32) (*zk.Stat, error)
	Children(path string) ([]string, error)
	ChildrenW(path string) ([]string, <-chan zk.Event, error)
	Delete(path string) error
	AddListener(listener func(zk.Event))
}

// Connection implements Coordinator over a ZooKeeper ensemble. Session
// events from the client are fanned out to registered listeners; watch
// events are delivered on the per-call channels.
type Connection struct {
	zkSvr          string
	sessionTimeout time.Duration
	zkConn         *zk.Conn

	mu        sync.Mutex
	listeners []func(zk.Event)
}

func NewConnection(zkSvr string) *Connection {
	return &Connection{
		zkSvr:          zkSvr,
		sessionTimeout: 1 * time.Minute,
	}
}

func (conn *Connection) Connect() error {
	zkServers := strings.Split(strings.TrimSpace(conn.zkSvr), ",")
	zkConn, events, err := zk.Connect(zkServers, conn.sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return err
	}
	conn.zkConn = zkConn
	go conn.dispatchSessionEvents(events)

	// Wait for the session to come up before handing the connection out.
	return retryZk(func() error {
		_, _, err := zkConn.Exists("/zookeeper")
		return err
	})
}

func (conn *Connection) Close() {
	if conn.zkConn != nil {
		conn.zkConn.Close()
	}
}

func (conn *Connection) SessionID() int64 {
	return conn.zkConn.SessionID()
}

// AddListener registers a callback for session-state events. Callbacks
// run on the client's event goroutine and must not block; FSM listeners
// only enqueue.
func (conn *Connection) AddListener(listener func(zk.Event)) {
	conn.mu.Lock()
	conn.listeners = append(conn.listeners, listener)
	conn.mu.Unlock()
}

func (conn *Connection) dispatchSessionEvents(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		conn.mu.Lock()
		listeners := append([]func(zk.Event){}, conn.listeners...)
		conn.mu.Unlock()
		for _, listener := range listeners {
			listener(ev)
		}
	}
}

// EnsurePath makes sure the given path exists, creating missing
// ancestors with the permissive ACL. Concurrent creation is tolerated.
func (conn *Connection) EnsurePath(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	exists, _, err := conn.zkConn.Exists(p)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := conn.EnsurePath(path.Dir(p)); err != nil {
		return err
	}
	_, err = conn.zkConn.Create(p, []byte{}, 0, OpenACLUnsafe)
	if err == zk.ErrNodeExists {
		return nil
	}
	return err
}

func (conn *Connection) Create(p string, data []byte, ephemeral bool) error {
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := conn.zkConn.Create(p, data, flags, OpenACLUnsafe)
	return err
}

func (conn *Connection) Get(p string) ([]byte, *zk.Stat, error) {
	return conn.zkConn.Get(p)
}

func (conn *Connection) GetW(p string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	return conn.zkConn.GetW(p)
}

func (conn *Connection) Set(p string, data []byte) (*zk.Stat, error) {
	return conn.zkConn.Set(p, data, -1)
}

func (conn *Connection) SetVersion(p string, data []byte, version int32) (*zk.Stat, error) {
	return conn.zkConn.Set(p, data, version)
}

func (conn *Connection) Children(p string) ([]string, error) {
	children, _, err := conn.zkConn.Children(p)
	return children, err
}

func (conn *Connection) ChildrenW(p string) ([]string, <-chan zk.Event, error) {
	children, _, events, err := conn.zkConn.ChildrenW(p)
	return children, events, err
}

func (conn *Connection) Delete(p string) error {
	return conn.zkConn.Delete(p, -1)
}

func (conn *Connection) Exists(p string) (bool, error) {
	exists, _, err := conn.zkConn.Exists(p)
	return exists, err
}

func zkBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 1 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return b
}

// retryZk retries an idempotent coordination call on transient errors.
// Semantic outcomes (no node, node exists, bad version) are returned to
// the caller immediately.
func retryZk(op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		switch err {
		case zk.ErrNoNode, zk.ErrNodeExists, zk.ErrBadVersion, zk.ErrNotEmpty:
			return backoff.Permanent(err)
		}
		log.WithError(err).Debug("retrying zookeeper call")
		return err
	}, zkBackoff())
}
