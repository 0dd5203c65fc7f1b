package session

// ClientMessage is any inbound websocket message. Event selects which of the
// optional payloads is set.
type ClientMessage struct {
	Event string `json:"event"`

	// start
	Language string `json:"language,omitempty"`

	// audio: base64 PCM16 microphone frame
	Payload string `json:"payload,omitempty"`

	// speak / text_chunk
	Text     string `json:"text,omitempty"`
	Type     string `json:"type,omitempty"`
	Priority int    `json:"priority,omitempty"`

	// user_choice
	Choice  string `json:"choice,omitempty"`
	StateID string `json:"state_id,omitempty"`

	// feedback: false_positive or missed_detection
	Kind string `json:"kind,omitempty"`

	// set_mode
	Mode string `json:"mode,omitempty"`
}

// ServerMessage is any outbound websocket message.
type ServerMessage struct {
	Event string `json:"event"`

	// audio
	Payload    string `json:"payload,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// signal
	Speaking  *bool   `json:"speaking,omitempty"`
	Amplitude float64 `json:"amplitude,omitempty"`
	Viseme    string  `json:"viseme,omitempty"`

	// interruption
	StateID    string  `json:"state_id,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Energy     float64 `json:"energy,omitempty"`
	Language   string  `json:"language,omitempty"`

	// response lifecycle
	ResponseID string `json:"response_id,omitempty"`

	// queue_status
	Queued       int    `json:"queued,omitempty"`
	Pending      int    `json:"pending,omitempty"`
	Synthesizing int    `json:"synthesizing,omitempty"`
	Failed       int    `json:"failed,omitempty"`
	ActiveID     string `json:"active_id,omitempty"`

	// error / text fallback
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}
