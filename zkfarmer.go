package zkfarmer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Farm check statuses, nagios-compatible.
const (
	StatusOK       = 0
	StatusWarning  = 1
	StatusCritical = 2
	StatusUnknown  = 3
)

const loopTimeout = 10 * time.Second

// Farmer is the high-level surface over a farm: joining and exporting
// agents plus one-shot administrative operations on the tree.
type Farmer struct {
	conn Coordinator
}

func NewFarmer(conn Coordinator) *Farmer {
	return &Farmer{conn: conn}
}

// Join enlists this host in the farm and blocks, reconciling the local
// configuration artifact with the member node. The farm's maximum seen
// size is stored on the farm node for check computations.
func (f *Farmer) Join(farm string, conf Conf, common bool) error {
	keys := FarmKeys{farm}
	if err := retryZk(func() error { return f.conn.EnsurePath(keys.Farm()) }); err != nil {
		return err
	}
	currentSize := len(f.List(farm)) + 1
	if size, ok := asInt(f.Get(farm, "size")); !ok || currentSize > size {
		if err := f.Set(farm, "size", currentSize); err != nil {
			return err
		}
	}
	joiner, err := NewJoiner(f.conn, farm, conf, common)
	if err != nil {
		return err
	}
	return joiner.Loop(-1, loopTimeout, true)
}

// Export blocks, materializing the farm's filtered membership into the
// given sink. The updated callback, when non-nil, runs after each sink
// write.
func (f *Farmer) Export(farm string, conf Conf, filters string, updated func()) error {
	filter, err := NewFilter(filters)
	if err != nil {
		return err
	}
	exporter := NewExporter(f.conn, farm, conf, filter, updated)
	return exporter.Loop(-1, loopTimeout, true)
}

// List returns the farm's member ids, empty when the farm node does
// not exist.
func (f *Farmer) List(farm string) []string {
	var children []string
	err := retryZk(func() error {
		var err error
		children, err = f.conn.Children(FarmKeys{farm}.Farm())
		return err
	})
	if err != nil {
		return []string{}
	}
	return children
}

// Get fetches a node's map, projected on the given dotted field paths
// (see DictFilter). A missing node yields {"size": 0} so that checks on
// farms that never existed degrade gracefully.
func (f *Farmer) Get(node string, fields ...string) interface{} {
	var data []byte
	err := retryZk(func() error {
		var err error
		data, _, err = f.conn.Get(FarmKeys{node}.Farm())
		return err
	})
	if err != nil {
		return DictFilter(Info{"size": 0}, fields...)
	}
	return DictFilter(unserialize(data), fields...)
}

// Set updates one dotted field of a node's map, retrying on concurrent
// modification with a fresh read.
func (f *Farmer) Set(node string, field string, value interface{}) error {
	return f.update(node, func(info Info) {
		dictSetPath(info, field, value)
	})
}

// Unset removes a top-level field from a node's map.
func (f *Farmer) Unset(node string, field string) error {
	return f.update(node, func(info Info) {
		delete(info, field)
	})
}

func (f *Farmer) update(node string, mutate func(Info)) error {
	p := FarmKeys{node}.Farm()
	for retry := 3; retry > 0; retry-- {
		var data []byte
		var stat *zk.Stat
		err := retryZk(func() error {
			var err error
			data, stat, err = f.conn.Get(p)
			return err
		})
		if err != nil {
			return err
		}
		info := unserialize(data)
		mutate(info)
		_, err = f.conn.SetVersion(p, serialize(info), stat.Version)
		if err != zk.ErrBadVersion {
			return err
		}
		// value changed since we read it, retry with a fresh one
	}
	return zk.ErrBadVersion
}

// Check computes the farm's health from its stored size, its current
// membership and the optional running_filter property. Thresholds are
// absolute counts or percentages of the farm size ("5" or "10%").
func (f *Farmer) Check(farm string, maxFailedNode string, warnFailedNode string) (int, string) {
	props, _ := f.Get(farm).(Info)
	size, ok := asInt(props["size"])
	if !ok {
		return StatusUnknown, fmt.Sprintf("no `size' property found for `%s' farm", farm)
	}

	maxFailed, err := parseThreshold(maxFailedNode, size)
	if err != nil {
		return StatusUnknown, fmt.Sprintf("invalid `max_failed_node' argument format: %s", maxFailedNode)
	}
	warnFailed := -1.0
	if warnFailedNode != "" {
		if warnFailed, err = parseThreshold(warnFailedNode, size); err != nil {
			return StatusUnknown, fmt.Sprintf("invalid `warn_failed_node' argument format: %s", warnFailedNode)
		}
	}

	running := 0
	if expr, ok := props["running_filter"].(string); ok && expr != "" {
		filter, err := NewFilter(expr)
		if err != nil {
			return StatusUnknown, fmt.Sprintf("invalid `running_filter' property: %v", err)
		}
		for _, name := range f.List(farm) {
			info, _ := f.Get(FarmKeys{farm}.Member(name)).(Info)
			if filter(info) {
				running++
			}
		}
	} else {
		running = len(f.List(farm))
	}

	failed := size - running
	status := StatusOK
	if float64(failed) >= maxFailed {
		status = StatusCritical
	} else if warnFailed >= 0 && float64(failed) >= warnFailed {
		status = StatusWarning
	}
	return status, fmt.Sprintf("%d/%d nodes running, %d nodes failing, max allowed %s",
		running, size, failed, maxFailedNode)
}

func parseThreshold(s string, size int) (float64, error) {
	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return 0, err
		}
		return float64(size) * pct / 100, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return float64(n), nil
}
