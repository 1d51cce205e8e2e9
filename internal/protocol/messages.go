package protocol

import "time"

// TranscribeRequest asks a transcriber node to transcribe a WAV file that is
// readable from the node's filesystem.
type TranscribeRequest struct {
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	AudioPath string `json:"audio_path"`
}

// TranscribeResponse is the reply to a TranscribeRequest. ErrorKind is empty
// on success.
type TranscribeResponse struct {
	RequestID  string    `json:"request_id"`
	JobID      string    `json:"job_id,omitempty"`
	Text       string    `json:"text"`
	Segments   int       `json:"segments"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscribeRequest = "stt.transcribe.request"
	SubjectTranscriptFinal   = "stt.text.final"
)
