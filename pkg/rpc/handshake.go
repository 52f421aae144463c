package rpc

import (
	"context"
	"fmt"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// HandshakeAction is the reserved, internally-used action carrying the
// identity exchange performed right after a connection is established.
const HandshakeAction = "internal:transport/handshake"

// HandshakeResponse is the peer's advertised identity.
type HandshakeResponse struct {
	NodeID      string `cbor:"1,keyasint"`
	NodeName    string `cbor:"2,keyasint"`
	Address     string `cbor:"3,keyasint"`
	ClusterName string `cbor:"4,keyasint"`
	Version     string `cbor:"5,keyasint"`
}

func (r *HandshakeResponse) node() Node {
	return Node{ID: NodeID(r.NodeID), Name: r.NodeName, Address: r.Address, Version: r.Version}
}

func (s *Service) registerHandshakeHandler() {
	s.registry.Register(&Registration{
		Action:   HandshakeAction,
		Executor: ExecutorSame,
		Handler: func(_ context.Context, _ []byte, ch Channel) {
			local := s.LocalNode()
			resp := HandshakeResponse{
				NodeID:      string(local.ID),
				NodeName:    local.Name,
				Address:     local.Address,
				ClusterName: s.clusterName,
				Version:     local.Version,
			}
			b, err := cbor.Marshal(&resp)
			if err != nil {
				_ = ch.SendError(err)
				return
			}
			_ = ch.SendResponse(b)
		},
	})
}

// Handshake runs the identity exchange over the given connection. The
// handshake fails if clusterPredicate rejects the peer's cluster name or
// the peer's version is incompatible with the local version.
func (s *Service) Handshake(
	ctx context.Context,
	conn Connection,
	timeout time.Duration,
	clusterPredicate func(string) bool,
) (*HandshakeResponse, error) {
	fut := NewFuture(ExecutorGeneric)
	s.SendRequestToConnection(ctx, conn, HandshakeAction, nil, RequestOptions{Timeout: timeout}, fut)
	payload, err := fut.Wait(ctx)
	if err != nil {
		return nil, &HandshakeError{Node: conn.Node(), Reason: "exchange failed", Err: err}
	}
	var resp HandshakeResponse
	if err := cbor.Unmarshal(payload, &resp); err != nil {
		return nil, &HandshakeError{Node: conn.Node(), Reason: "malformed response", Err: err}
	}
	if clusterPredicate != nil && !clusterPredicate(resp.ClusterName) {
		return nil, &HandshakeError{
			Node:   conn.Node(),
			Reason: fmt.Sprintf("remote cluster name [%s] does not match", resp.ClusterName),
		}
	}
	local := s.LocalNode()
	if !VersionsCompatible(resp.Version, local.Version) {
		return nil, &HandshakeError{
			Node: conn.Node(),
			Reason: fmt.Sprintf("remote version [%s] is incompatible with local version [%s]",
				resp.Version, local.Version),
		}
	}
	return &resp, nil
}

// connectionValidator returns the validator used for pooled connections: it
// handshakes and confirms the peer is the node we meant to connect to.
// Cluster names are not validated here so cross-cluster clients can
// connect; Handshake callers that need the check pass their own predicate.
func (s *Service) connectionValidator(node Node) ConnectionValidator {
	return func(ctx context.Context, conn Connection) error {
		resp, err := s.Handshake(ctx, conn, s.handshakeTimeout, nil)
		if err != nil {
			return err
		}
		if NodeID(resp.NodeID) != node.ID {
			return &HandshakeError{
				Node:   node,
				Reason: fmt.Sprintf("unexpected remote node %s", resp.node()),
			}
		}
		return nil
	}
}
