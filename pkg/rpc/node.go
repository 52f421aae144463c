package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is an opaque stable node identity.
type NodeID string

// Node identifies a peer in the cluster.
type Node struct {
	ID      NodeID
	Name    string
	Address string
	Version string
}

func (n Node) String() string {
	return fmt.Sprintf("{%s}{%s}{%s}", n.Name, n.ID, n.Address)
}

// Equal reports whether two nodes are the same peer.
func (n Node) Equal(o Node) bool { return n.ID == o.ID }

// VersionsCompatible reports whether two version strings may interoperate.
// Versions are "major.minor.patch"; nodes with the same major version are
// compatible. Unparseable versions are never compatible.
func VersionsCompatible(a, b string) bool {
	ma, ok := majorVersion(a)
	if !ok {
		return false
	}
	mb, ok := majorVersion(b)
	if !ok {
		return false
	}
	return ma == mb
}

func majorVersion(v string) (int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return n, true
}
