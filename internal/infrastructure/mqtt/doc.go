// Package mqtt connects kasacore to an MQTT broker and names its topics.
//
//	{prefix}/command/{alias}    device commands (inbound)
//	{prefix}/ack/{alias}        command acknowledgements
//	{prefix}/state/{alias}      device state (retained)
//	{prefix}/request/{id}       read_state, read_all, scan (inbound)
//	{prefix}/response/{id}      request responses
//	{prefix}/health             presence and bridge health (retained, LWT)
//	{prefix}/discovery          scan reports
//
// The prefix defaults to "kasa". Aliases pass through TopicSegment so a
// device name cannot add levels or wildcards.
//
// Use TLS (broker.tls) for any broker that is not on the same host.
package mqtt
