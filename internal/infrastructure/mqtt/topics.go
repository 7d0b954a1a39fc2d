package mqtt

import "strings"

// DefaultTopicPrefix is the root of the topic tree when none is configured.
const DefaultTopicPrefix = "kasa"

// Topic categories below the prefix.
const (
	categoryCommand   = "command"
	categoryAck       = "ack"
	categoryState     = "state"
	categoryRequest   = "request"
	categoryResponse  = "response"
	categoryHealth    = "health"
	categoryDiscovery = "discovery"
)

// Topics provides builders for the Kasa Core MQTT topic tree.
//
// All topics use the flat scheme {prefix}/{category}[/{alias_or_id}].
//
// Usage:
//
//	topics := mqtt.Topics{Prefix: "kasa"}
//	topic := topics.State("Lamp1")
//	// Returns: "kasa/state/Lamp1"
type Topics struct {
	Prefix string
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return strings.TrimSuffix(t.Prefix, "/")
}

func (t Topics) build(category, leaf string) string {
	return t.root() + "/" + category + "/" + TopicSegment(leaf)
}

// Command returns the topic a device receives commands on.
//
// Example: kasa/command/Lamp1
func (t Topics) Command(alias string) string {
	return t.build(categoryCommand, alias)
}

// Ack returns the topic command acknowledgements are published on.
//
// Example: kasa/ack/Lamp1
func (t Topics) Ack(alias string) string {
	return t.build(categoryAck, alias)
}

// State returns the retained state topic for a device.
//
// Example: kasa/state/Lamp1
func (t Topics) State(alias string) string {
	return t.build(categoryState, alias)
}

// Request returns the topic for a request/response exchange.
//
// Example: kasa/request/req-abc123
func (t Topics) Request(requestID string) string {
	return t.build(categoryRequest, requestID)
}

// Response returns the topic a request's response is published on.
//
// Example: kasa/response/req-abc123
func (t Topics) Response(requestID string) string {
	return t.build(categoryResponse, requestID)
}

// Health returns the retained service health topic. It also carries the LWT.
//
// Example: kasa/health
func (t Topics) Health() string {
	return t.root() + "/" + categoryHealth
}

// Discovery returns the topic scan reports are published on.
//
// Example: kasa/discovery
func (t Topics) Discovery() string {
	return t.root() + "/" + categoryDiscovery
}

// AllCommands returns a pattern matching commands for every device.
//
// Pattern: kasa/command/+
func (t Topics) AllCommands() string {
	return t.root() + "/" + categoryCommand + "/+"
}

// AllRequests returns a pattern matching every request.
//
// Pattern: kasa/request/+
func (t Topics) AllRequests() string {
	return t.root() + "/" + categoryRequest + "/+"
}

// AllStates returns a pattern matching every device state.
//
// Pattern: kasa/state/+
func (t Topics) AllStates() string {
	return t.root() + "/" + categoryState + "/+"
}

// All returns a pattern matching every topic under the prefix.
//
// Pattern: kasa/#
func (t Topics) All() string {
	return t.root() + "/#"
}

// LastSegment returns the final level of a topic, the alias or request ID
// for leaf topics.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// TopicSegment makes an alias safe to use as a single topic level.
// Separators and wildcards are replaced with underscores; an empty
// alias becomes "_".
func TopicSegment(s string) string {
	if s == "" {
		return "_"
	}
	return segmentReplacer.Replace(s)
}

var segmentReplacer = strings.NewReplacer("/", "_", "+", "_", "#", "_")
