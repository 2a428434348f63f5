package zkfarmer

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Info is the nested key/value map a farm member advertises. Values are
// strings, integers, booleans, nested Info maps or lists of scalars.
type Info = map[string]interface{}

// IP finds the default outbound IPv4 address of this host. No packet is
// sent; connecting a datagram socket is enough to resolve the local
// endpoint.
func IP() (string, error) {
	conn, err := net.Dial("udp4", "239.255.0.0:9")
	if err != nil {
		return "", fmt.Errorf("cannot determine host IP: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func serialize(info Info) []byte {
	if info == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(info)
	if err != nil {
		log.Warnf("cannot serialize: %v [%v]", info, err)
		return []byte("{}")
	}
	return data
}

func unserialize(data []byte) Info {
	if len(data) == 0 {
		return Info{}
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		log.Warnf("cannot unserialize: %s [%v]", data, err)
		return Info{}
	}
	if info == nil {
		return Info{}
	}
	return normalize(info).(Info)
}

// normalize rewrites a decoded value into the canonical in-memory form:
// string keys everywhere, integral floats as int. JSON and YAML decoders
// disagree on these, and Info equality checks need one representation.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			val[k] = normalize(item)
		}
		return val
	case map[interface{}]interface{}:
		out := Info{}
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalize(item)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalize(item)
		}
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int(val)
		}
		return val
	default:
		return v
	}
}

// dictGetPath fetches the value at a dotted path, nil if any component
// of the path is missing or not a map.
func dictGetPath(info Info, path string) interface{} {
	var current interface{} = info
	for _, component := range strings.Split(path, ".") {
		m, ok := current.(Info)
		if !ok {
			return nil
		}
		current, ok = m[component]
		if !ok {
			return nil
		}
	}
	return current
}

// dictSetPath sets the value at a dotted path, creating intermediate
// maps as needed and overwriting non-map intermediates.
func dictSetPath(info Info, path string, value interface{}) {
	current := info
	components := strings.Split(path, ".")
	for _, component := range components[:len(components)-1] {
		next, ok := current[component].(Info)
		if !ok {
			next = Info{}
			current[component] = next
		}
		current = next
	}
	current[components[len(components)-1]] = value
}

// DictFilter projects an Info map on the given dotted field paths. With
// no field it returns the map itself, with a single field the value at
// that path, with several a map from field path to value.
func DictFilter(info Info, fields ...string) interface{} {
	switch len(fields) {
	case 0:
		return info
	case 1:
		return dictGetPath(info, fields[0])
	default:
		out := Info{}
		for _, f := range fields {
			out[f] = dictGetPath(info, f)
		}
		return out
	}
}

// asInt coerces scalars the way numeric predicate comparison expects:
// both sides must look like integers, otherwise callers fall back to
// string comparison.
func asInt(v interface{}) (int, bool) {
	switch val := v.(type) {
	case int:
		return val, true
	case int64:
		return int(val), true
	case float64:
		if val == math.Trunc(val) {
			return int(val), true
		}
		return 0, false
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func scalarString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
