package transport

import (
	"github.com/MrWong99/mouthpiece/pkg/audio"
)

// Message types sent by the backend.
const (
	TypeInitSuccess   = "init_success"
	TypePush          = "push"
	TypeTTSAudioChunk = "tts_audio_chunk"
	TypeTTSComplete   = "tts_complete"
	TypeReset         = "reset"
	TypeInterrupt     = "interrupt"
	TypeError         = "error"
	TypeEmotion       = "emotion"
	TypeSubtitle      = "subtitle"
)

// Message types sent by the client.
const (
	TypeInit                  = "init"
	TypeAudioChunk            = "audio_chunk"
	TypeStartASR              = "start_asr"
	TypeStopASR               = "stop_asr"
	TypeAudioPlaybackComplete = "audio_playback_complete"
)

// inbound is the superset of fields the client reads from backend messages.
type inbound struct {
	Type string `json:"type"`

	// push / tts_audio_chunk
	AudioData  string `json:"audio_data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Encoding   string `json:"encoding,omitempty"`

	// push in the sink's own vocabulary: decoded native-rate samples, or a
	// base64 chunk with its rate.
	Samples    []float32 `json:"samples,omitempty"`
	Base64     string    `json:"base64,omitempty"`
	SourceRate int       `json:"sourceRate,omitempty"`

	// emotion / subtitle
	Emotion string `json:"emotion,omitempty"`
	Text    string `json:"text,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// outbound is every message the client writes. UserID and Timestamp are
// stamped by the write loop.
type outbound struct {
	Type      string  `json:"type"`
	UserID    string  `json:"user_id"`
	Timestamp string  `json:"timestamp"`
	AudioData []int16 `json:"audio_data,omitempty"`
	Engine    string  `json:"engine,omitempty"`
}

// toMessage converts an audio-bearing inbound message into a sink message.
func (m inbound) toMessage(defaultRate int) audio.Message {
	if m.Samples != nil {
		return audio.PushSamples{Samples: m.Samples}
	}
	data, rate := m.AudioData, m.SampleRate
	if data == "" {
		data, rate = m.Base64, m.SourceRate
	}
	if rate <= 0 {
		rate = defaultRate
	}
	return audio.PushEncoded{
		Base64:     data,
		SourceRate: rate,
		Encoding:   m.Encoding,
	}
}
