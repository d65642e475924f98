package relay

import (
	"context"
	"strings"
)

// Well-known channel names. Channels are hierarchical dotted strings that
// publishers and the dashboard agree on out of band.
const (
	ChannelBroadcast        = "broadcast.all"
	agentChannelPrefix      = "agent."
	departmentChannelPrefix = "department."
)

// AgentChannel returns the unicast channel for one executive agent.
func AgentChannel(agentID string) string {
	return agentChannelPrefix + agentID
}

// DepartmentChannel returns the channel for a department, lowercased so that
// "Research" and "research" address the same audience.
func DepartmentChannel(department string) string {
	return departmentChannelPrefix + strings.ToLower(department)
}

// ResponseChannel derives the private reply channel for a request.
func ResponseChannel(channel, correlationID string) string {
	return channel + ".response." + correlationID
}

// Broadcast publishes to the well-known broadcast.all channel.
func (b *Broker) Broadcast(ctx context.Context, data map[string]any, sender string) (string, error) {
	return b.Publish(ctx, ChannelBroadcast, data, sender)
}

// SendToAgent publishes to a single agent's channel.
func (b *Broker) SendToAgent(ctx context.Context, agentID string, data map[string]any, sender string) (string, error) {
	return b.Publish(ctx, AgentChannel(agentID), data, sender)
}

// SendToDepartment publishes to a department channel.
func (b *Broker) SendToDepartment(ctx context.Context, department string, data map[string]any, sender string) (string, error) {
	return b.Publish(ctx, DepartmentChannel(department), data, sender)
}
