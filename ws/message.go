package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"curling-server/dispatch"
	"curling-server/models"
)

// InboundEnvelope is the generic envelope for all agent-to-server messages.
// The Type field is used for routing; Raw holds the full JSON payload.
type InboundEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements custom unmarshaling to capture the raw payload.
func (e *InboundEnvelope) UnmarshalJSON(data []byte) error {
	type typeOnly struct {
		Type string `json:"type"`
	}
	var t typeOnly
	if err := json.Unmarshal(data, &t); err != nil {
		return err
	}
	e.Type = t.Type
	e.Raw = json.RawMessage(data)
	return nil
}

// --- Agent-to-Server message payloads ---

// ShotMsg is an agent's answer to a shot_request.
type ShotMsg struct {
	Type                  string    `json:"type"`
	ShotID                uuid.UUID `json:"shot_id"`
	TranslationalVelocity float64   `json:"translational_velocity"`
	AngularVelocity       float64   `json:"angular_velocity"`
	ShotAngle             float64   `json:"shot_angle"`
}

// Params returns the shot parameters carried by the message.
func (m ShotMsg) Params() models.ShotParams {
	return models.ShotParams{
		TranslationalVelocity: m.TranslationalVelocity,
		AngularVelocity:       m.AngularVelocity,
		ShotAngle:             m.ShotAngle,
	}
}

// --- Server-to-Agent messages ---

// ShotRequestMsg asks the agent for its next shot.
type ShotRequestMsg struct {
	Type string `json:"type"`
	dispatch.ShotRequest
}

// MatchOverMsg tells both agents the match has ended.
type MatchOverMsg struct {
	Type      string           `json:"type"`
	Winner    *models.Side     `json:"winner"`
	EndReason models.EndReason `json:"end_reason"`
	State     models.State     `json:"state"`
}

// ErrorMsg is sent when an agent message is rejected.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
