package server

import (
	"github.com/GoCodeAlone/steward/agent"
)

// staticAgents satisfies api.AgentLister for tests.
type staticAgents []agent.Info

func (s staticAgents) Infos() []agent.Info { return s }
