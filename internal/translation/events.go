package translation

// Realtime event types exchanged with the translation endpoint
const (
	eventSessionUpdate     = "session.update"
	eventInputAudioAppend  = "input_audio_buffer.append"
	eventSpeechStarted     = "input_audio_buffer.speech_started"
	eventSpeechStopped     = "input_audio_buffer.speech_stopped"
	eventResponseAudio     = "response.audio.delta"
	eventResponseAudioDone = "response.audio.done"
	eventSessionCreated    = "session.created"
	eventSessionUpdated    = "session.updated"
	eventError             = "error"
)

type turnDetection struct {
	Type string `json:"type"`
}

type sessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serverEvent is the union of the inbound fields we act on.
type serverEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id"`
	ItemID     string       `json:"item_id"`
	ResponseID string       `json:"response_id"`
	Delta      string       `json:"delta"`
	Error      *serverError `json:"error,omitempty"`
}

func newSessionUpdate(cfg Config, instructions string) sessionUpdate {
	return sessionUpdate{
		Type: eventSessionUpdate,
		Session: sessionConfig{
			Modalities:        []string{"text", "audio"},
			Instructions:      instructions,
			Voice:             cfg.Voice,
			InputAudioFormat:  cfg.AudioFormat,
			OutputAudioFormat: cfg.AudioFormat,
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
}
