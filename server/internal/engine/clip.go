package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/wav"
)

// Clip 是一段音频解码探测的结果：引擎只需要知道"可解码 + 多长"，
// 播放头本身由引擎的时钟驱动。
type Clip struct {
	Duration time.Duration
	Format   string
}

// Seconds 返回时长的秒数表示，给快照层用。
func (c Clip) Seconds() float64 {
	return c.Duration.Seconds()
}

// Probe 验证 data 是可解码的音频并探测其时长。
// WAV（RIFF 头）优先，其余按 MP3 解；两者都失败即 DecodeError。
func Probe(data []byte) (Clip, error) {
	if len(data) == 0 {
		return Clip{}, errors.New("empty audio payload")
	}

	if bytes.HasPrefix(data, []byte("RIFF")) {
		streamer, format, err := wav.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return Clip{}, fmt.Errorf("decode wav: %w", err)
		}
		defer streamer.Close()
		return Clip{Duration: format.SampleRate.D(streamer.Len()), Format: "wav"}, nil
	}

	streamer, format, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		return Clip{}, fmt.Errorf("decode mp3: %w", err)
	}
	defer streamer.Close()
	return Clip{Duration: format.SampleRate.D(streamer.Len()), Format: "mp3"}, nil
}
