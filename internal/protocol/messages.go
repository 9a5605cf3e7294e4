// Package protocol defines the JSON messages and subjects of the host-facing
// bus API.
package protocol

const (
	SubjectSessionLoad   = "speech.session.load"
	SubjectSessionSpeak  = "speech.session.speak"
	SubjectSessionPause  = "speech.session.pause"
	SubjectSessionStop   = "speech.session.stop"
	SubjectSessionExport = "speech.session.export"

	SubjectVoicesList       = "speech.voices.list"
	SubjectVoicesPersonal   = "speech.voices.personal"
	SubjectVoicesCurated    = "speech.voices.curated"
	SubjectVoicesPermission = "speech.voices.permission"
	SubjectVoicesLanguage   = "speech.voices.language"
)

// Failure codes carried in replies. These are API tags, not process exit
// codes.
const (
	CodeNoUtterance     = "E_NO_UTTERANCE"
	CodeWriteFailed     = "E_WRITE_FAILED"
	CodeSpeechCancelled = "E_SPEECH_CANCELLED"
	CodeEngine          = "E_ENGINE"
)

// LoadRequest carries one utterance spec. An empty SessionID asks the
// service to create a session.
type LoadRequest struct {
	SessionID string  `json:"session_id,omitempty"`
	Text      string  `json:"text"`
	Rate      float64 `json:"rate"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
	Language  string  `json:"language,omitempty"`
	VoiceID   string  `json:"voice_id,omitempty"`
}

type LoadReply struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Voice     string `json:"voice,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ControlRequest addresses an existing session; Tag is an opaque caller
// marker echoed in logs.
type ControlRequest struct {
	SessionID string `json:"session_id"`
	Tag       string `json:"tag,omitempty"`
}

type SpeakReply struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type ControlReply struct {
	Message string `json:"message"`
}

type ExportRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Tag       string `json:"tag,omitempty"`
}

type ExportReply struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

type VoicesRequest struct {
	Category string `json:"category,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

type VoiceInfo struct {
	ID          string `json:"id"`
	Language    string `json:"language"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type VoicesReply struct {
	Voices []VoiceInfo `json:"voices"`
}

type PermissionReply struct {
	Status string `json:"status"`
}

type LanguageReply struct {
	Language string `json:"language"`
}
