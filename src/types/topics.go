package types

import "strings"

// Destination templates. Clients subscribe to topic.* and queue.*
// destinations and publish to app.* destinations.
const (
	topicPrefix = "topic.notes."
	queuePrefix = "queue.notes."
	appPrefix   = "app.notes."
)

func ContentTopic(noteID string) string  { return topicPrefix + noteID }
func PresenceTopic(noteID string) string { return topicPrefix + noteID + ".presence" }
func TypingTopic(noteID string) string   { return topicPrefix + noteID + ".typing" }
func StateTopic(noteID string) string    { return topicPrefix + noteID + ".state" }
func StateQueue(noteID string) string    { return queuePrefix + noteID + ".state" }

func UpdateDestination(noteID string) string   { return appPrefix + noteID + ".update" }
func PresenceDestination(noteID string) string { return appPrefix + noteID + ".presence" }
func TypingDestination(noteID string) string   { return appPrefix + noteID + ".typing" }
func StateDestination(noteID string) string    { return appPrefix + noteID + ".state" }

// ParseAppDestination splits an app.notes.{id}.{action} destination.
// Note ids may not contain dots.
func ParseAppDestination(dest string) (noteID, action string, ok bool) {
	rest, found := strings.CutPrefix(dest, appPrefix)
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// IsQueue reports whether dest is a per-session queue destination.
func IsQueue(dest string) bool {
	return strings.HasPrefix(dest, queuePrefix)
}
