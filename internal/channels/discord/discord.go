// Package discord is the Discord leaf sender for mission output.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Discord caps messages at 2000 chars.
const maxMessageLen = 2000

// Sender sends mission output to Discord channels.
type Sender struct {
	session *discordgo.Session
}

// New creates a Discord sender from a bot token. The session is used for
// outbound REST calls only; no gateway connection is opened.
func New(token string) (*Sender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Sender{session: session}, nil
}

func (s *Sender) Name() string { return "discord" }

// Send delivers text to one channel id.
func (s *Sender) Send(ctx context.Context, chatID, text string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return fmt.Errorf("discord: empty channel id")
	}
	for _, chunk := range splitMessage(text) {
		if _, err := s.session.ChannelMessageSend(chatID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: send to %s: %w", chatID, err)
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxMessageLen {
		cut := strings.LastIndexByte(text[:maxMessageLen], '\n')
		if cut <= 0 {
			cut = maxMessageLen
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
