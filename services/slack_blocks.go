package services

import (
	"github.com/slack-go/slack"
)

// Slack の Block Kit の文字数上限
const (
	maxHeaderLength  = 150
	maxSectionLength = 3000
)

// SlackBlockBuilder Slack Block Kit構築のヘルパー
type SlackBlockBuilder struct {
	blocks []slack.Block
}

// NewSlackBlockBuilder 新しいビルダーを作成
func NewSlackBlockBuilder() *SlackBlockBuilder {
	return &SlackBlockBuilder{
		blocks: make([]slack.Block, 0),
	}
}

// AddHeader 見出しブロックを追加（空文字なら何もしない）
func (b *SlackBlockBuilder) AddHeader(text string) *SlackBlockBuilder {
	if text == "" {
		return b
	}
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType, truncateRunes(text, maxHeaderLength), true, false))
	b.blocks = append(b.blocks, header)
	return b
}

// AddSection セクションブロックを追加。上限を超える本文は複数のセクションに分ける
func (b *SlackBlockBuilder) AddSection(text string) *SlackBlockBuilder {
	for _, chunk := range splitRunes(text, maxSectionLength) {
		section := slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, chunk, false, false), nil, nil)
		b.blocks = append(b.blocks, section)
	}
	return b
}

// Build ブロック配列を取得
func (b *SlackBlockBuilder) Build() []slack.Block {
	return b.blocks
}

// RichMessageBlocks はリッチ投稿（見出し＋本文）のブロックを作成
func RichMessageBlocks(msg OutboundMessage) []slack.Block {
	return NewSlackBlockBuilder().
		AddHeader(msg.Title).
		AddSection(msg.Content).
		Build()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func splitRunes(s string, n int) []string {
	r := []rune(s)
	if len(r) == 0 {
		return []string{""}
	}
	var chunks []string
	for len(r) > n {
		chunks = append(chunks, string(r[:n]))
		r = r[n:]
	}
	return append(chunks, string(r))
}
