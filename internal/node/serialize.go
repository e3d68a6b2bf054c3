package node

import "encoding/json"

// CurrentVersion is the serialization format version written by this build.
// Bumping it and adding a case to migrate() is how forward migration works;
// old blobs keep decoding because the version tag is explicit in the wire
// form rather than inferred from shape.
const CurrentVersion = 1

// Pointer is a stored node that forwards all queries to another id.
type Pointer struct {
	ID           string `json:"id"`
	EquivalentTo string `json:"equivalent_to"`
}

// StoredNode is the wire/DB form: either an inline node or a pointer.
type StoredNode struct {
	Version int        `json:"version"`
	Inline  *Node      `json:"inline,omitempty"`
	Pointer *Pointer   `json:"pointer,omitempty"`
}

// InlineStoredNode wraps a concrete node for storage.
func InlineStoredNode(n *Node) StoredNode {
	return StoredNode{Version: CurrentVersion, Inline: n}
}

// PointerStoredNode wraps a pointer for storage.
func PointerStoredNode(id, equivalentTo string) StoredNode {
	return StoredNode{Version: CurrentVersion, Pointer: &Pointer{ID: id, EquivalentTo: equivalentTo}}
}

// IsPointer reports whether this stored node forwards to another id.
func (s StoredNode) IsPointer() bool { return s.Pointer != nil }

// ID returns the stored node's own id, whichever form it's in.
func (s StoredNode) ID() string {
	if s.Pointer != nil {
		return s.Pointer.ID
	}
	if s.Inline != nil {
		return s.Inline.ID
	}
	return ""
}

// Marshal serializes a stored node to its wire form.
func Marshal(s StoredNode) ([]byte, error) {
	if s.Version == 0 {
		s.Version = CurrentVersion
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, &SerializationError{NodeID: s.ID(), Cause: err}
	}
	return data, nil
}

// Unmarshal parses a stored node's wire form, migrating older versions
// forward as needed.
func Unmarshal(data []byte) (StoredNode, error) {
	var raw struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return StoredNode{}, &SerializationError{Cause: err}
	}
	var s StoredNode
	if err := json.Unmarshal(data, &s); err != nil {
		return StoredNode{}, &SerializationError{Cause: err}
	}
	return migrate(s)
}

// migrate upgrades older serialization versions to CurrentVersion. There is
// only one version today; this is the seam future versions hook into.
func migrate(s StoredNode) (StoredNode, error) {
	switch s.Version {
	case CurrentVersion:
		return s, nil
	case 0:
		s.Version = CurrentVersion
		return s, nil
	default:
		return s, &SerializationError{NodeID: s.ID(), Cause: errUnknownVersion(s.Version)}
	}
}

type errUnknownVersion int

func (e errUnknownVersion) Error() string {
	return "unknown stored-node version"
}
