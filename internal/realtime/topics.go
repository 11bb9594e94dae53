package realtime

import (
	"strings"

	"github.com/google/uuid"
)

// Topic shapes a client may subscribe to. Each is a fixed prefix
// followed by a UUID.
var topicPrefixes = []string{"user:", "conversation:", "channel:"}

// ValidTopic reports whether a topic matches one of the allowed shapes.
func ValidTopic(topic string) bool {
	for _, prefix := range topicPrefixes {
		if rest, ok := strings.CutPrefix(topic, prefix); ok {
			_, err := uuid.Parse(rest)
			return err == nil
		}
	}
	return false
}

// UserTopic returns the connection's own identity topic.
func UserTopic(identity string) string {
	return "user:" + identity
}
