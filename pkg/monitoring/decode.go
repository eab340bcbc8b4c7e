package monitoring

import (
	"encoding/json"
	"fmt"
	"strings"
)

// guardianVerdict is the JSON document the guardian prompt demands from the
// model. Decoding is strict: unknown fields and out-of-range scores are
// rejected so a malformed reply degrades the analysis instead of polluting
// the record.
type guardianVerdict struct {
	TrajectoryAligned      bool    `json:"trajectory_aligned"`
	AlignmentScore         float64 `json:"alignment_score"`
	NeedsSteering          bool    `json:"needs_steering"`
	SteeringType           string  `json:"steering_type,omitempty"`
	SteeringRecommendation string  `json:"steering_recommendation,omitempty"`
	TrajectorySummary      string  `json:"trajectory_summary"`
	CurrentFocus           string  `json:"current_focus"`
	ConversationLength     int     `json:"conversation_length"`
	SessionDuration        string  `json:"session_duration"`
}

// duplicateVerdict is the JSON document the conductor's pairwise duplicate
// check demands.
type duplicateVerdict struct {
	SameTask        bool    `json:"same_task"`
	SimilarityScore float64 `json:"similarity_score"`
	Explanation     string  `json:"explanation"`
}

func decodeGuardianVerdict(text string) (*guardianVerdict, error) {
	var v guardianVerdict
	if err := decodeStrict(text, &v); err != nil {
		return nil, err
	}
	if v.AlignmentScore < 0 || v.AlignmentScore > 1 {
		return nil, fmt.Errorf("alignment_score out of range: %v", v.AlignmentScore)
	}
	if v.NeedsSteering && v.SteeringRecommendation == "" {
		return nil, fmt.Errorf("needs_steering set without a recommendation")
	}
	return &v, nil
}

func decodeDuplicateVerdict(text string) (*duplicateVerdict, error) {
	var v duplicateVerdict
	if err := decodeStrict(text, &v); err != nil {
		return nil, err
	}
	if v.SimilarityScore < 0 || v.SimilarityScore > 1 {
		return nil, fmt.Errorf("similarity_score out of range: %v", v.SimilarityScore)
	}
	return &v, nil
}

// decodeStrict parses one JSON object from a model reply, stripping markdown
// fences the model may wrap it in.
func decodeStrict(text string, out any) error {
	text = stripFences(text)
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed model reply: %w", err)
	}
	return nil
}

// stripFences removes a ```json ... ``` wrapper when present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
