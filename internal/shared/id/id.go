// Package id generates the prefixed opaque identifiers used by every
// control-plane entity.
package id

import (
	"strings"

	"github.com/google/uuid"
)

// Kind is the typed prefix of an entity id.
type Kind string

const (
	KindMission  Kind = "mission"
	KindTask     Kind = "task"
	KindArtifact Kind = "artifact"
	KindAgent    Kind = "agent"
	KindApproval Kind = "approval"
	KindSession  Kind = "session"
	KindSnapshot Kind = "snapshot"
)

// New returns a fresh id with the given typed prefix, e.g. "mission-<uuid>".
func New(kind Kind) string {
	return string(kind) + "-" + uuid.NewString()
}

// Is reports whether the id carries the given typed prefix.
func Is(id string, kind Kind) bool {
	return strings.HasPrefix(id, string(kind)+"-") && len(id) > len(kind)+1
}
