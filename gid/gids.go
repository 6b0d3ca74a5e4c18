package gid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Tag prefixes used in the human-readable String() form of each ID type,
// e.g. "cxn_3mP...".
const (
	ConnectionTag = "cxn"
	SessionTag    = "ses"
)

type tagToIDConstructor func(uuid.UUID) ID

var idConstructorMap = map[string]tagToIDConstructor{
	ConnectionTag: func(id uuid.UUID) ID { return NewConnectionID(id) },
	SessionTag:    func(id uuid.UUID) ID { return NewSessionID(id) },
}

func parseIDParts(str string) (string, uuid.UUID, error) {
	parts := strings.Split(str, "_")
	if len(parts) != 2 {
		return "", uuid.Nil, errors.New("invalid GID structure")
	}
	idPart, err := decodeUUID(parts[1])
	if err != nil {
		return "", uuid.Nil, errors.Wrap(err, "invalid unique id part of GID")
	}
	return parts[0], idPart, nil
}

func ParseID(str string) (ID, error) {
	tagName, uniquePart, err := parseIDParts(str)
	if err != nil {
		return nil, err
	}

	constructor := idConstructorMap[tagName]
	if constructor == nil {
		return nil, errors.Errorf("no known gid for tag %s", tagName)
	}

	return constructor(uniquePart), nil
}

func ParseIDAs(str string, destID interface{}) error {
	id, err := ParseID(str)
	if err != nil {
		return errors.Wrapf(err, "parse ID failed: %s", str)
	}
	return assignTo(id, destID)
}

// ConnectionID uniquely identifies one 5-tuple connection for its lifetime.
// Two connections that later reuse the same 5-tuple after the first is torn
// down get distinct ConnectionIDs.
type ConnectionID struct {
	baseID
}

func (ConnectionID) GetType() string {
	return ConnectionTag
}

func (id ConnectionID) String() string {
	return String(id)
}

func NewConnectionID(id uuid.UUID) ConnectionID {
	return ConnectionID{baseID(id)}
}

func GenerateConnectionID() ConnectionID {
	return NewConnectionID(uuid.New())
}

func (id ConnectionID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *ConnectionID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}

// SessionID uniquely identifies one application-layer session (a TLS
// handshake, an HTTP transaction, a DNS transaction, ...) produced by a
// proto.Parser and handed to subscribers. This is the process-wide identity;
// it is distinct from the smaller-scoped, strictly increasing integer a
// parser assigns to its own sessions (spec.md §3's "Session.id").
type SessionID struct {
	baseID
}

func (SessionID) GetType() string {
	return SessionTag
}

func (id SessionID) String() string {
	return String(id)
}

func NewSessionID(id uuid.UUID) SessionID {
	return SessionID{baseID(id)}
}

func GenerateSessionID() SessionID {
	return NewSessionID(uuid.New())
}

func (id SessionID) MarshalText() ([]byte, error) {
	return toText(id)
}

func (id *SessionID) UnmarshalText(data []byte) error {
	return fromText(id, data)
}
