// Package events implements the append-only event log of a namespace.
//
// Every mutating entity or relationship operation appends one row to _events in the
// same transaction as the mutation. The log can be queried with glob patterns,
// time ranges and cursors, streamed to subscribers, archived, and replayed.
package events

import (
	"strings"
	"time"

	"github.com/liliang-cn/sqgraph/internal/encoding"
)

// DefaultActor is recorded when no actor identity is available
const DefaultActor = "system"

// Verbs used for entity events ("<Type>.<verb>")
const (
	VerbCreated = "created"
	VerbUpdated = "updated"
	VerbDeleted = "deleted"
)

// Relationship event names
const (
	RelationshipCreated = "relationship.created"
	RelationshipUpdated = "relationship.updated"
	RelationshipDeleted = "relationship.deleted"
)

// Event is one immutable row of the log
type Event struct {
	Seq          int64     `json:"seq"`
	ID           string    `json:"id"`
	Event        string    `json:"event"`
	Actor        string    `json:"actor"`
	Object       string    `json:"object"`
	Data         any       `json:"data,omitempty"`
	PreviousData any       `json:"previousData,omitempty"`
	Result       string    `json:"result,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// EntityEvent builds a "<Type>.<verb>" event for object "<Type>/<id>"
func EntityEvent(entityType, id, verb string, data, previous map[string]any) *Event {
	ev := &Event{
		Event:  entityType + "." + verb,
		Object: entityType + "/" + id,
	}
	if data != nil {
		ev.Data = encoding.Clone(data)
	}
	if previous != nil {
		ev.PreviousData = encoding.Clone(previous)
	}
	return ev
}

// RelationshipEvent builds a relationship.* event. The payload carries the
// endpoints so replay does not need to parse the object reference.
func RelationshipEvent(name, fromID, relation, toID string, metadata, previous map[string]any) *Event {
	data := map[string]any{
		"from_id":  fromID,
		"relation": relation,
		"to_id":    toID,
	}
	if metadata != nil {
		data["metadata"] = encoding.Clone(metadata)
	}
	ev := &Event{
		Event:  name,
		Object: "relationship/" + fromID + "/" + relation + "/" + toID,
		Data:   data,
	}
	if previous != nil {
		ev.PreviousData = map[string]any{"metadata": encoding.Clone(previous)}
	}
	return ev
}

// DataMap returns Data as a JSON object, or nil when it is not one
func (e *Event) DataMap() map[string]any {
	m, _ := e.Data.(map[string]any)
	return m
}

// EntityRef splits an "<Type>/<id>" object reference. Ids may contain "/".
func EntityRef(object string) (entityType, id string, ok bool) {
	i := strings.IndexByte(object, '/')
	if i <= 0 || i == len(object)-1 {
		return "", "", false
	}
	return object[:i], object[i+1:], true
}

// Verb splits "<Type>.<verb>" into its parts; ok is false for custom events
func Verb(name string) (entityType, verb string, ok bool) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return "", "", false
	}
	if name[:i] == "relationship" {
		return "", "", false
	}
	switch v := name[i+1:]; v {
	case VerbCreated, VerbUpdated, VerbDeleted:
		return name[:i], v, true
	}
	return "", "", false
}
