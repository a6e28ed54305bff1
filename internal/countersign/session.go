package countersign

import (
	"sort"

	"github.com/roach88/cellchain/internal/ir"
	"github.com/roach88/cellchain/internal/keystore"
)

// SessionDataFromResponses builds the session record from a complete
// response set. Every participant builds it independently from the same
// responses, so the result depends only on the set: agent states are
// ordered by participant index, never by arrival.
//
// The checks demand exact equality; nothing is reconciled. Every response
// must carry the identical request, a valid signature from the
// participant at its index, and each participant must respond exactly
// once.
func SessionDataFromResponses(responses []ir.PreflightResponse) (ir.CounterSigningSessionData, error) {
	if len(responses) == 0 {
		return ir.CounterSigningSessionData{}, reject(CodeResponseCount, "no responses")
	}

	req := responses[0].Request
	reqHash, err := RequestHash(req)
	if err != nil {
		return ir.CounterSigningSessionData{}, reject(CodeInvalidRequest, "%v", err)
	}

	states := make([]ir.SignedAgentState, 0, len(responses))
	seen := make(map[uint8]bool, len(responses))
	for _, resp := range responses {
		h, err := RequestHash(resp.Request)
		if err != nil || h != reqHash {
			return ir.CounterSigningSessionData{}, reject(CodeRequestMismatch,
				"response for agent index %d references a different request", resp.AgentState.AgentIndex)
		}

		idx := int(resp.AgentState.AgentIndex)
		if idx >= len(req.SigningAgents) {
			return ir.CounterSigningSessionData{}, reject(CodeInvalidRequest, "agent index %d out of range", idx)
		}
		agent := req.SigningAgents[idx].Agent

		msg, err := ir.ResponseSigningBytes(reqHash, resp.AgentState)
		if err != nil {
			return ir.CounterSigningSessionData{}, err
		}
		if !keystore.Verify(agent, msg, resp.Signature) {
			return ir.CounterSigningSessionData{}, rejectAgent(CodeBadSignature, agent, "response signature does not verify")
		}

		if seen[resp.AgentState.AgentIndex] {
			return ir.CounterSigningSessionData{}, rejectAgent(CodeDuplicateResponse, agent, "more than one response")
		}
		seen[resp.AgentState.AgentIndex] = true
		states = append(states, ir.SignedAgentState{State: resp.AgentState, Signature: resp.Signature})
	}

	if len(states) != len(req.SigningAgents) {
		return ir.CounterSigningSessionData{}, reject(CodeResponseCount,
			"%d responses for %d participants", len(states), len(req.SigningAgents))
	}

	sort.Slice(states, func(i, j int) bool { return states[i].State.AgentIndex < states[j].State.AgentIndex })
	return ir.CounterSigningSessionData{Request: req, AgentStates: states}, nil
}
