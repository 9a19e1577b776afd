package roles

// plannerSchema is the planner's strict structured-output schema (§4.5).
// Optional fields are still required keys with a nullable type, per the
// provider's additionalProperties:false contract.
var plannerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"goal": map[string]any{"type": "string"},
		"secrets": map[string]any{
			"type": []string{"array", "null"},
			"items": map[string]any{
				"type":                 "object",
				"properties":           map[string]any{"key": map[string]any{"type": "string"}, "value": map[string]any{"type": "string"}},
				"required":             []string{"key", "value"},
				"additionalProperties": false,
			},
		},
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"type":   map[string]any{"type": "string", "enum": []string{"exec", "skill", "msg", "search", "replan"}},
					"detail": map[string]any{"type": "string"},
					"skill":  map[string]any{"type": []string{"string", "null"}},
					"args":   map[string]any{"type": []string{"string", "null"}},
					"expect": map[string]any{"type": []string{"string", "null"}},
				},
				"required":             []string{"type", "detail", "skill", "args", "expect"},
				"additionalProperties": false,
			},
		},
		"extend_replan": map[string]any{"type": []string{"integer", "null"}},
	},
	"required":             []string{"goal", "secrets", "tasks", "extend_replan"},
	"additionalProperties": false,
}

// reviewerSchema is the reviewer's strict structured-output schema (§4.5).
var reviewerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"status": map[string]any{"type": "string", "enum": []string{"ok", "replan"}},
		"reason": map[string]any{"type": []string{"string", "null"}},
		"learn":  map[string]any{"type": []string{"string", "null"}},
	},
	"required":             []string{"status", "reason", "learn"},
	"additionalProperties": false,
}

// curatorSchema is the curator's strict structured-output schema (§4.5).
var curatorSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"evaluations": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"learning_id": map[string]any{"type": "integer"},
					"verdict":     map[string]any{"type": "string", "enum": []string{"promote", "ask", "discard"}},
					"fact":        map[string]any{"type": []string{"string", "null"}},
					"question":    map[string]any{"type": []string{"string", "null"}},
					"reason":      map[string]any{"type": []string{"string", "null"}},
				},
				"required":             []string{"learning_id", "verdict", "fact", "question", "reason"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"evaluations"},
	"additionalProperties": false,
}

// PlannerOutput is the decoded planner response.
type PlannerOutput struct {
	Goal         string       `json:"goal"`
	Secrets      []SecretKV   `json:"secrets"`
	Tasks        []TaskSpec   `json:"tasks"`
	ExtendReplan *int         `json:"extend_replan"`
}

// SecretKV is one ephemeral secret the planner chose to mint this cycle.
type SecretKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// TaskSpec is one planner-emitted task, in the wire shape where every field
// is present and nulled out when not applicable to Type (§9 design note:
// "the wire schema ... is a transport detail").
type TaskSpec struct {
	Type   string  `json:"type"`
	Detail string  `json:"detail"`
	Skill  *string `json:"skill"`
	Args   *string `json:"args"`
	Expect *string `json:"expect"`
}

// ReviewerOutput is the decoded reviewer response.
type ReviewerOutput struct {
	Status string  `json:"status"`
	Reason *string `json:"reason"`
	Learn  *string `json:"learn"`
}

// CuratorOutput is the decoded curator response.
type CuratorOutput struct {
	Evaluations []CuratorEvaluation `json:"evaluations"`
}

// CuratorEvaluation is one curator verdict on a pending learning.
type CuratorEvaluation struct {
	LearningID int64   `json:"learning_id"`
	Verdict    string  `json:"verdict"`
	Fact       *string `json:"fact"`
	Question   *string `json:"question"`
	Reason     *string `json:"reason"`
}
