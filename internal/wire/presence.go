// ABOUTME: Presence payload entered on project channels to announce identity.
// ABOUTME: Distinguishes agent members (with instructions) from human clients.

package wire

// PresenceAgent describes one agent hosted by a connection. A desktop
// client can host several agents behind one presence entry.
type PresenceAgent struct {
	AgentName         string `json:"agentName"`
	AgentInstructions string `json:"agentInstructions,omitempty"`
}

// PresenceData is the ephemeral payload a connection enters on each
// project channel. It is destroyed by the transport on disconnect.
type PresenceData struct {
	UserID            string          `json:"userId"`
	Username          string          `json:"username"`
	IsAgent           bool            `json:"isAgent"`
	AgentName         string          `json:"agentName,omitempty"`
	AgentInstructions string          `json:"agentInstructions,omitempty"`
	Agents            []PresenceAgent `json:"agents,omitempty"`
	MachineName       string          `json:"machineName,omitempty"`
}
