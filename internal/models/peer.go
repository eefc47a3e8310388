// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"strconv"
	"strings"
)

// PeerKind tags a conversation as a group chat or a direct chat.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// Peer identifies a conversation. The kind is carried explicitly from the
// wire event that produced it and is never inferred from the shape of the
// numeric id.
type Peer struct {
	Kind PeerKind `json:"kind"`
	ID   int64    `json:"id"`
}

// GroupPeer returns the Peer for a group conversation.
func GroupPeer(groupID int64) Peer {
	return Peer{Kind: PeerGroup, ID: groupID}
}

// DirectPeer returns the Peer for a direct conversation with a user.
func DirectPeer(userID int64) Peer {
	return Peer{Kind: PeerDirect, ID: userID}
}

// Valid reports whether the peer has a known kind and a positive id.
func (p Peer) Valid() bool {
	return (p.Kind == PeerDirect || p.Kind == PeerGroup) && p.ID > 0
}

// IsGroup reports whether the peer is a group conversation.
func (p Peer) IsGroup() bool {
	return p.Kind == PeerGroup
}

// Key returns the stable string form "kind:id", used as the storage key.
func (p Peer) Key() string {
	return string(p.Kind) + ":" + strconv.FormatInt(p.ID, 10)
}

func (p Peer) String() string {
	return p.Key()
}

// ParsePeer parses the "kind:id" form produced by Key.
func ParsePeer(s string) (Peer, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Peer{}, fmt.Errorf("peer %q: missing kind separator", s)
	}

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Peer{}, fmt.Errorf("peer %q: %w", s, err)
	}

	p := Peer{Kind: PeerKind(kind), ID: n}
	if !p.Valid() {
		return Peer{}, fmt.Errorf("peer %q: unknown kind or non-positive id", s)
	}

	return p, nil
}
