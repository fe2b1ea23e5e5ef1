package mock

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/murmur/pkg/adapters/tts"
)

type TTSConfig struct {
	SampleRate int
	// PerWord is the length of silence generated per spoken word.
	PerWord time.Duration
	// MaxDuration caps the generated clip.
	MaxDuration time.Duration
}

// Synthesizer returns a silent WAV clip sized to the text. It needs no network
// and is what the CLI uses when no synthesis server is configured.
type Synthesizer struct {
	cfg TTSConfig

	mu    sync.Mutex
	calls []tts.Request
}

func NewTTS(cfg TTSConfig) *Synthesizer {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.PerWord <= 0 {
		cfg.PerWord = 40 * time.Millisecond
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 3 * time.Second
	}
	return &Synthesizer{cfg: cfg}
}

func (s *Synthesizer) Name() string { return "mock_tts" }

func (s *Synthesizer) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		return tts.Result{}, errors.New("mock_tts: empty text")
	}
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()

	d := time.Duration(words) * s.cfg.PerWord
	if d > s.cfg.MaxDuration {
		d = s.cfg.MaxDuration
	}
	return tts.Result{Audio: SilentWAV(s.cfg.SampleRate, d), Format: tts.FormatWAV}, nil
}

// Calls returns the requests seen so far.
func (s *Synthesizer) Calls() []tts.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tts.Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// SilentWAV encodes d of 16-bit mono silence as a RIFF/WAVE file.
func SilentWAV(sampleRate int, d time.Duration) []byte {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	dataLen := samples * 2
	var buf bytes.Buffer
	buf.Grow(44 + dataLen)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dataLen))
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}

var _ tts.Synthesizer = (*Synthesizer)(nil)
