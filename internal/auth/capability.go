package auth

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/pubsub"
)

// Operations a capability can grant on a topic
const (
	OpSubscribe = "subscribe"
	OpPublish   = "publish"
	OpPresence  = "presence"
)

// Capability maps topic patterns to granted operations. A pattern ending
// in "*" matches any topic with that prefix.
type Capability map[string][]string

// CapabilityFor builds the grant for a client. Administrators may listen on
// any mailbox since they operate on behalf of publishers and open applicant
// channels; everyone else only listens on their own mailbox.
func CapabilityFor(role domain.Role, handle int64) Capability {
	own := pubsub.Topics.Mailbox(handle)
	anyMailbox := pubsub.Topics.AnyMailbox()

	c := make(Capability, 3)
	c[anyMailbox] = []string{OpPublish}
	c[pubsub.Topics.Ack()] = []string{OpPublish}
	c[own] = []string{OpSubscribe, OpPublish, OpPresence}
	if role == domain.RoleAdmin {
		c[anyMailbox] = []string{OpSubscribe, OpPublish, OpPresence}
	}
	return c
}

// String encodes the capability as the JSON carried in token requests.
func (c Capability) String() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseCapability decodes a capability JSON string.
func ParseCapability(s string) (Capability, error) {
	var c Capability
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("parse capability: %w", err)
	}
	return c, nil
}

// Allows reports whether op is granted on topic.
func (c Capability) Allows(topic, op string) bool {
	for pattern, ops := range c {
		if !matchTopic(pattern, topic) {
			continue
		}
		for _, granted := range ops {
			if granted == op || granted == "*" {
				return true
			}
		}
	}
	return false
}

// Patterns returns the topic patterns in sorted order.
func (c Capability) Patterns() []string {
	patterns := make([]string, 0, len(c))
	for p := range c {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	return patterns
}

func matchTopic(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}
