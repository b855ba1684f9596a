package services

import "context"

// ---------------------------------------------------------------------------
// SpeechService — common interface for speech synthesis providers
// Both ElevenLabs and Cartesia implement this interface so the provider
// registry can use whichever backend a job names without knowing the
// underlying API.
// ---------------------------------------------------------------------------

// SpeechResponse is the common response type from any speech provider.
type SpeechResponse struct {
	AudioData []byte
	Format    string // "mp3", "wav", etc.
}

// SpeechService is the interface that any speech synthesis provider must
// implement. voice is the provider's voice id; empty means the provider's
// configured default. style is a free-text delivery hint the provider may or
// may not use.
type SpeechService interface {
	GenerateSpeech(ctx context.Context, text, voice, style string) (*SpeechResponse, error)
}
