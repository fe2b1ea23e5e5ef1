package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonStreamConnect ReasonCode = "stream_connect"
	ReasonStreamStatus  ReasonCode = "stream_status"
	ReasonStreamRead    ReasonCode = "stream_read"
	ReasonStreamReset   ReasonCode = "stream_reset"
	ReasonDecodePayload ReasonCode = "decode_payload"

	ReasonSynthRequest     ReasonCode = "synth_request"
	ReasonSynthStatus      ReasonCode = "synth_status"
	ReasonSynthRejected    ReasonCode = "synth_rejected"
	ReasonSynthDecode      ReasonCode = "synth_decode"
	ReasonSynthRateLimit   ReasonCode = "synth_rate_limit"
	ReasonSynthCircuitOpen ReasonCode = "synth_circuit_open"

	ReasonAnalysisRequest ReasonCode = "analysis_request"
	ReasonAnalysisParse   ReasonCode = "analysis_parse"

	ReasonAvatarUnavailable ReasonCode = "avatar_unavailable"
	ReasonAvatarRejected    ReasonCode = "avatar_rejected"
	ReasonAvatarSend        ReasonCode = "avatar_send"
	ReasonAvatarPlayback    ReasonCode = "avatar_playback"

	ReasonAudioDecode   ReasonCode = "audio_decode"
	ReasonAudioPlayback ReasonCode = "audio_playback"

	ReasonPlaybackTimeout ReasonCode = "playback_timeout"

	ReasonPrefsLoad ReasonCode = "prefs_load"
	ReasonPrefsSave ReasonCode = "prefs_save"
)
