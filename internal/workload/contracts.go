package workload

import (
	"github.com/wesleyorama2/volley/internal/protocol"
	"github.com/wesleyorama2/volley/pkg/jsonschema"
)

const goalSchema = `{
	"type": "object",
	"required": ["goalId", "status"],
	"properties": {
		"goalId": {"type": "string", "minLength": 1},
		"status": {"type": "string"},
		"progress": {"type": "integer", "minimum": 0},
		"isActive": {"type": "boolean"},
		"claimedAt": {"type": "string"}
	}
}`

const initializeSchema = `{
	"type": "object",
	"required": ["assignedGoals"],
	"properties": {
		"assignedGoals": {"type": "array", "items": ` + goalSchema + `},
		"newAssignments": {"type": "integer", "minimum": 0}
	}
}`

const challengesSchema = `{
	"type": "object",
	"required": ["challenges"],
	"properties": {
		"challenges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["challengeId", "goals"],
				"properties": {
					"challengeId": {"type": "string", "minLength": 1},
					"goals": {"type": "array", "items": ` + goalSchema + `}
				}
			}
		}
	}
}`

const selectSchema = `{
	"type": "object",
	"required": ["selectedGoals"],
	"properties": {
		"challengeId": {"type": "string"},
		"selectedGoals": {"type": "array", "items": ` + goalSchema + `}
	}
}`

// Contracts returns the response schema of every challenge endpoint tag.
// A 2xx body that violates its schema is recorded as a decode failure.
func Contracts() map[string]*jsonschema.Schema {
	challenges := jsonschema.MustCompile("challenges", challengesSchema)
	selected := jsonschema.MustCompile("select", selectSchema)
	return map[string]*jsonschema.Schema{
		TagInitialize:       jsonschema.MustCompile("initialize", initializeSchema),
		TagBrowseChallenges: challenges,
		TagCheckProgress:    challenges,
		TagChallenges:       challenges,
		TagLookup:           challenges,
		TagBatchSelect:      selected,
		TagRandomSelect:     selected,
	}
}

// ContractOptions attaches Contracts to a unary client.
func ContractOptions() []protocol.UnaryOption {
	contracts := Contracts()
	opts := make([]protocol.UnaryOption, 0, len(contracts))
	for tag, schema := range contracts {
		opts = append(opts, protocol.WithContract(tag, schema))
	}
	return opts
}
