// Package agent defines agent identity, the peer directory that maps chat
// channels to agent rosters, and the runtime that turns inbound messages into
// orchestration triggers.
package agent

import (
	"sort"
	"time"
)

// Status represents the current state of an agent runtime.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusStopped Status = "stopped"
)

// Personality defines the agent's behavior, tone, and role.
type Personality struct {
	Name         string `json:"name" yaml:"name"`
	Role         string `json:"role" yaml:"role"`
	SystemPrompt string `json:"system_prompt" yaml:"system_prompt"`
}

// Info provides read-only metadata about an agent.
type Info struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Personality *Personality `json:"personality,omitempty"`
	Channels    []string     `json:"channels,omitempty"`
	Status      Status       `json:"status"`
	StartedAt   time.Time    `json:"started_at"`
	IsLead      bool         `json:"is_lead"`
}

// Role returns the personality role, or "" when none is set.
func (i Info) Role() string {
	if i.Personality == nil {
		return ""
	}
	return i.Personality.Role
}

// Directory resolves channel membership to agent rosters.
type Directory struct {
	agents   map[string]Info
	channels map[string][]string // channelID -> agent ids, config order
}

// NewDirectory indexes infos by id and channel.
func NewDirectory(infos ...Info) *Directory {
	d := &Directory{
		agents:   make(map[string]Info, len(infos)),
		channels: make(map[string][]string),
	}
	for _, info := range infos {
		d.agents[info.ID] = info
		for _, ch := range info.Channels {
			d.channels[ch] = append(d.channels[ch], info.ID)
		}
	}
	return d
}

// Get returns the agent with the given id.
func (d *Directory) Get(id string) (Info, bool) {
	info, ok := d.agents[id]
	return info, ok
}

// All returns every agent sorted by id.
func (d *Directory) All() []Info {
	out := make([]Info, 0, len(d.agents))
	for _, info := range d.agents {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Roster returns the agents that are members of channelID, in
// configuration order.
func (d *Directory) Roster(channelID string) []Info {
	ids := d.channels[channelID]
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.agents[id])
	}
	return out
}

// Peers returns the roster of channelID without self.
func (d *Directory) Peers(channelID, self string) []Info {
	var out []Info
	for _, info := range d.Roster(channelID) {
		if info.ID != self {
			out = append(out, info)
		}
	}
	return out
}

// Responder returns the agent that should answer a message in channelID:
// the addressed agent when it is a member, otherwise the channel lead,
// otherwise the first member.
func (d *Directory) Responder(channelID, addressed string) (Info, bool) {
	roster := d.Roster(channelID)
	if len(roster) == 0 {
		return Info{}, false
	}
	if addressed != "" {
		for _, info := range roster {
			if info.ID == addressed {
				return info, true
			}
		}
	}
	for _, info := range roster {
		if info.IsLead {
			return info, true
		}
	}
	return roster[0], true
}
