package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/decred/slog"

	"github.com/yok-tottii/EzS2T-Mix/internal/recognition"
	"github.com/yok-tottii/EzS2T-Mix/internal/recording"
)

var errNoModel = errors.New("no whisper model loaded")

type transcriber interface {
	Transcribe(ctx context.Context, path string, opts recognition.Options) (recognition.Transcript, error)
}

type textEnhancer interface {
	Apply(ctx context.Context, text string) string
}

type paster interface {
	SafePasteWithSplit(ctx context.Context, text string) error
}

// pipeline turns a finished recording into pasted text.
type pipeline struct {
	log      slog.Logger
	stt      transcriber
	ready    func() bool
	enhancer func() textEnhancer
	paste    paster
	// pasteGate refuses pasting, e.g. without accessibility access.
	pasteGate func() error
	options   func() recognition.Options
	// keepAudio leaves the WAV file in place after processing.
	keepAudio bool
}

// process transcribes, enhances and pastes one recording. It returns the
// pasted text, which is empty when nothing was recognized.
func (p *pipeline) process(ctx context.Context, out recording.Outcome) (string, error) {
	res := out.Result
	if res.Path == "" {
		if out.Err != nil {
			return "", fmt.Errorf("recording failed: %w", out.Err)
		}
		return "", nil
	}
	if out.Err != nil {
		p.log.Warnf("Recording %s finished with errors: %v", res.Path, out.Err)
	}
	if !p.keepAudio {
		defer func() {
			if err := os.Remove(res.Path); err != nil && !os.IsNotExist(err) {
				p.log.Debugf("Failed to remove %s: %v", res.Path, err)
			}
		}()
	}

	if p.ready != nil && !p.ready() {
		return "", errNoModel
	}

	tr, err := p.stt.Transcribe(ctx, res.Path, p.options())
	if errors.Is(err, recognition.ErrEmptyAudio) {
		p.log.Infof("Recording %s is empty, nothing to transcribe", res.Path)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		p.log.Infof("No speech recognized in %s", res.Path)
		return "", nil
	}
	p.log.Debugf("Transcribed %d segments from %s", len(tr.Segments), res.Path)

	if p.enhancer != nil {
		text = strings.TrimSpace(p.enhancer().Apply(ctx, text))
	}

	if p.pasteGate != nil {
		if err := p.pasteGate(); err != nil {
			return text, err
		}
	}
	if err := p.paste.SafePasteWithSplit(ctx, text); err != nil {
		return text, fmt.Errorf("paste failed: %w", err)
	}
	return text, nil
}
