// Package export writes channel snapshots to audio files.
package export

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/logger"
)

const (
	bitDepth       = 16
	wavAudioFormat = 1 // PCM
	fullScale      = math.MaxInt16
)

// GetLogger returns the export package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("export")
}

// WriteWAV writes samples as mono 16-bit PCM, scaled so that the largest
// magnitude maps to full scale. An all-zero input is written as silence.
func WriteWAV(path string, samples []float64, sampleRate int) error {
	if sampleRate <= 0 {
		return errors.Newf("invalid sample rate %d", sampleRate).
			Component("export").
			Category(errors.CategoryValidation).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fileError(err, path, "create directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return fileError(err, path, "create")
	}

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, wavAudioFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           toPCM16(samples),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		_ = f.Close()
		return fileError(err, path, "write")
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return fileError(err, path, "finalize")
	}
	if err := f.Close(); err != nil {
		return fileError(err, path, "close")
	}
	return nil
}

// toPCM16 peak-normalizes samples into the 16-bit range.
func toPCM16(samples []float64) []int {
	peak := 0.0
	for _, v := range samples {
		if a := math.Abs(v); a > peak && !math.IsInf(a, 0) {
			peak = a
		}
	}

	out := make([]int, len(samples))
	if peak == 0 {
		return out
	}
	scale := fullScale / peak
	for i, v := range samples {
		if math.IsNaN(v) {
			continue
		}
		out[i] = int(math.Round(max(-fullScale, min(fullScale, v*scale))))
	}
	return out
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ChannelFileName returns a file name derived from the channel name.
func ChannelFileName(ch *acquisition.Channel) string {
	name := unsafeName.ReplaceAllString(ch.Settings().Name, "_")
	if name == "" || name == "." || name == ".." {
		name = fmt.Sprintf("channel_%d", ch.LocalIndex())
	}
	return name + ".wav"
}

// Channels snapshots each channel, up to count samples, and writes one
// file per channel into dir. The sample rate is the channel's output rate
// rounded to whole hertz. It returns the written paths.
func Channels(dir string, channels []*acquisition.Channel, count int) ([]string, error) {
	log := GetLogger()
	paths := make([]string, 0, len(channels))
	buf := make([]float64, count)

	for _, ch := range channels {
		n, err := ch.Snapshot(buf, count)
		if err != nil {
			return paths, err
		}
		rate := int(math.Round(ch.OutputRate()))
		if rate <= 0 {
			return paths, errors.Newf("channel %s has no known sample rate", ch.Settings().Name).
				Component("export").
				Category(errors.CategoryValidation).
				Build()
		}

		path := filepath.Join(dir, ChannelFileName(ch))
		if err := WriteWAV(path, buf[:n], rate); err != nil {
			return paths, err
		}
		paths = append(paths, path)
		log.Info("channel exported",
			logger.String("channel", ch.Settings().Name),
			logger.String("path", path),
			logger.Int("samples", n),
			logger.Int("sample_rate", rate))
	}
	return paths, nil
}

func fileError(err error, path, op string) error {
	return errors.New(err).
		Component("export").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Context("operation", op).
		Build()
}
