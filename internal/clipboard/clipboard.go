// Package clipboard injects text into the focused application through the
// pasteboard, restoring the user's clipboard afterwards.
package clipboard

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/decred/slog"
)

// Pasteboard is the system clipboard plus the paste keystroke.
type Pasteboard interface {
	// ChangeCount increases on every clipboard write; -1 if unknown.
	ChangeCount() int
	Read() (string, error)
	Write(text string) error
	// Paste sends the platform paste shortcut to the focused application.
	Paste() error
}

// Manager manages clipboard operations with safe restoration
type Manager struct {
	pb             Pasteboard
	log            slog.Logger
	restoreTimeout time.Duration
	splitSize      int
	splitInterval  time.Duration
	settle         time.Duration
}

// Config holds clipboard manager configuration
type Config struct {
	RestoreTimeout time.Duration // Timeout for clipboard restoration (default: 500ms)
	SplitSize      int           // Maximum characters per paste operation (default: 500)
	SplitInterval  time.Duration // Interval between split pastes (default: 50ms)
}

// DefaultConfig returns the default clipboard configuration
func DefaultConfig() Config {
	return Config{
		RestoreTimeout: 500 * time.Millisecond,
		SplitSize:      500,
		SplitInterval:  50 * time.Millisecond,
	}
}

// NewManager creates a manager on the system pasteboard.
func NewManager(config Config, log slog.Logger) *Manager {
	return NewManagerWith(System(), config, log)
}

// NewManagerWith creates a manager on pb.
func NewManagerWith(pb Pasteboard, config Config, log slog.Logger) *Manager {
	if config.SplitSize <= 0 {
		config.SplitSize = DefaultConfig().SplitSize
	}
	return &Manager{
		pb:             pb,
		log:            log,
		restoreTimeout: config.RestoreTimeout,
		splitSize:      config.SplitSize,
		splitInterval:  config.SplitInterval,
		settle:         10 * time.Millisecond,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SafePaste pastes text to the active application. The previous clipboard
// content comes back unless something else wrote to the clipboard in the
// meantime.
func (m *Manager) SafePaste(ctx context.Context, text string) error {
	savedCount := m.pb.ChangeCount()
	saved, err := m.pb.Read()
	if err != nil {
		return fmt.Errorf("failed to save clipboard: %w", err)
	}

	if err := m.pb.Write(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	if err := sleep(ctx, m.settle); err != nil {
		return err
	}
	if err := m.pb.Paste(); err != nil {
		return fmt.Errorf("failed to send paste: %w", err)
	}

	// Give the target application time to read the pasteboard.
	if err := sleep(ctx, m.restoreTimeout); err != nil {
		return err
	}
	if savedCount < 0 || m.pb.ChangeCount() != savedCount+1 {
		m.log.Debugf("Clipboard changed during paste, not restoring")
		return nil
	}
	if err := m.pb.Write(saved); err != nil {
		return fmt.Errorf("failed to restore clipboard: %w", err)
	}
	return nil
}

// SafePasteWithSplit pastes text with automatic splitting for long texts
func (m *Manager) SafePasteWithSplit(ctx context.Context, text string) error {
	chunks := m.splitText(text)
	for i, chunk := range chunks {
		if err := m.SafePaste(ctx, chunk); err != nil {
			return fmt.Errorf("failed to paste chunk %d: %w", i, err)
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, m.splitInterval); err != nil {
				return err
			}
		}
	}
	m.log.Debugf("Pasted %d characters in %d chunks", utf8.RuneCountInString(text), len(chunks))
	return nil
}

// splitText splits text into chunks of maximum splitSize characters
// Tries to split at sentence boundaries (。、. ,) when possible
func (m *Manager) splitText(text string) []string {
	runes := []rune(text)
	if len(runes) <= m.splitSize {
		return []string{text}
	}

	var chunks []string
	start := 0

	for start < len(runes) {
		end := min(start+m.splitSize, len(runes))

		if end < len(runes) {
			// Look for sentence boundaries in the last 50 characters
			searchStart := max(end-50, start)
			for i := end - 1; i >= searchStart; i-- {
				ch := runes[i]
				if ch == '。' || ch == '、' || ch == '.' || ch == ',' || ch == '\n' {
					end = i + 1
					break
				}
			}
		}

		chunks = append(chunks, string(runes[start:end]))
		start = end
	}

	return chunks
}

// SplitTextBySentences is a helper function to split text by sentences
// This is useful for preprocessing before pasting
func SplitTextBySentences(text string) []string {
	delimiters := []string{"。", ".", "！", "!", "？", "?"}

	sentences := []string{text}

	for _, delimiter := range delimiters {
		var newSentences []string
		for _, sentence := range sentences {
			parts := strings.Split(sentence, delimiter)
			for i, part := range parts {
				part = strings.TrimSpace(part)
				if part != "" {
					if i < len(parts)-1 {
						part += delimiter
					}
					newSentences = append(newSentences, part)
				}
			}
		}
		sentences = newSentences
	}

	return sentences
}
