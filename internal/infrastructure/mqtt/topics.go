package mqtt

import "fmt"

// Topic prefixes for the CFU service.
//
// Request/response follows the bridge request pattern: a requester publishes
// to graylogic/cfu/request/{request_id} and reads the answer from
// graylogic/cfu/response/{request_id}.
const (
	// TopicPrefixCFU is the base for all component update topics.
	TopicPrefixCFU = "graylogic/cfu"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for the service's MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.CFUResponse("req-abc123")
//	// Returns: "graylogic/cfu/response/req-abc123"
type Topics struct{}

// CFURequest returns the topic a requester publishes a component request to.
//
// Example: graylogic/cfu/request/req-abc123
func (Topics) CFURequest(requestID string) string {
	return fmt.Sprintf("%s/request/%s", TopicPrefixCFU, requestID)
}

// CFUResponse returns the topic the answer to a request is published on.
//
// Example: graylogic/cfu/response/req-abc123
func (Topics) CFUResponse(requestID string) string {
	return fmt.Sprintf("%s/response/%s", TopicPrefixCFU, requestID)
}

// CFUEvent returns the topic for a component's state changes and notifications.
//
// Example: graylogic/cfu/event/3
func (Topics) CFUEvent(componentID uint8) string {
	return fmt.Sprintf("%s/event/%d", TopicPrefixCFU, componentID)
}

// ServiceStatus returns the retained online/offline status topic for a client.
//
// Example: graylogic/system/status/graylogic-cfu
func (Topics) ServiceStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}

// AllCFURequests returns a pattern matching every request topic.
//
// Pattern: graylogic/cfu/request/+
func (Topics) AllCFURequests() string {
	return fmt.Sprintf("%s/request/+", TopicPrefixCFU)
}

// AllCFUEvents returns a pattern matching every component event topic.
//
// Pattern: graylogic/cfu/event/+
func (Topics) AllCFUEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixCFU)
}

// RequestIDFromTopic extracts the request ID from a request topic.
// It returns "" when topic is not a request topic.
func RequestIDFromTopic(topic string) string {
	prefix := TopicPrefixCFU + "/request/"
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	return topic[len(prefix):]
}
