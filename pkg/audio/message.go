package audio

// Message kinds as they appear on the wire.
const (
	KindPCMData = "pcm-data"
	KindPush    = "push"
	KindReset   = "reset"
)

// Encoding names for [PushEncoded] payloads.
const (
	// EncodingPCM16 is little-endian signed 16-bit mono PCM.
	EncodingPCM16 = "pcm16"

	// EncodingOpus is a single Opus packet (mono).
	EncodingOpus = "opus"
)

// Message is an inbound control message for a playback sink. It is a closed
// tagged union: [PushSamples], [PushEncoded] and [Reset].
type Message interface {
	// Kind returns the wire kind of the message.
	Kind() string

	isMessage()
}

// PushSamples carries already-decoded float samples at the sink's native
// output rate.
type PushSamples struct {
	Samples []float32
}

// Kind implements [Message].
func (PushSamples) Kind() string { return KindPush }
func (PushSamples) isMessage()   {}

// PushEncoded carries a base64 chunk that needs decoding and possibly
// resampling before it can be queued.
type PushEncoded struct {
	// Base64 is the standard-alphabet base64 payload.
	Base64 string

	// SourceRate is the sample rate of the decoded payload in Hz.
	SourceRate int

	// Encoding names the payload codec. Empty means [EncodingPCM16].
	Encoding string
}

// Kind implements [Message].
func (PushEncoded) Kind() string { return KindPush }
func (PushEncoded) isMessage()   {}

// Reset drops everything queued for playback.
type Reset struct{}

// Kind implements [Message].
func (Reset) Kind() string { return KindReset }
func (Reset) isMessage()   {}

// PCMData is one encoded capture frame produced by a [FrameEncoder].
type PCMData struct {
	Samples []int16
}

// Kind returns [KindPCMData].
func (PCMData) Kind() string { return KindPCMData }

// Decoder turns one encoded payload into 16-bit PCM samples.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
}
