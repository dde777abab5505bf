package telegram

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	tu "github.com/mymmrac/telego/telegoutil"
)

// SendMessage delivers text to chatID, split into as many messages as the
// Telegram size limit requires.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// chunkMessage splits text into pieces of at most maxLen bytes. A newline in
// the second half of a piece is preferred as the cut; otherwise the cut backs
// off to the nearest rune boundary so every piece stays valid UTF-8.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(text[:maxLen], '\n'); idx > maxLen/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				// maxLen is shorter than the leading rune.
				_, cut = utf8.DecodeRuneInString(text)
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
