package zkfarmer

import "strings"

// FarmKeys generates the ZooKeeper paths of a farm. The immediate
// children of the farm path are the member nodes.
type FarmKeys struct {
	Root string
}

func (k FarmKeys) Farm() string {
	return "/" + strings.Trim(k.Root, "/")
}

func (k FarmKeys) Member(id string) string {
	return k.Farm() + "/" + id
}
