package services

import (
	"regexp"
	"strings"
)

// <:name:id> / <a:name:id> 形式のカスタム絵文字
var customReactionPattern = regexp.MustCompile(`^<a?:([^:<>]+):[0-9]+>$`)

var skinTonePattern = regexp.MustCompile(`::skin-tone-[2-6]$`)

// CanonicalReactionKey はリアクションの表記ゆれを吸収したキーを返す。
// ルール作成時と検索時の両方で必ずこの関数を通すこと
func CanonicalReactionKey(raw string) string {
	key := raw
	// 入れ子の表記（":<:x:1>:" など）も収束するまで繰り返す
	for i := 0; i < 5; i++ {
		next := canonicalizeOnce(key)
		if next == key {
			break
		}
		key = next
	}
	return key
}

func canonicalizeOnce(raw string) string {
	key := strings.TrimSpace(raw)
	if m := customReactionPattern.FindStringSubmatch(key); m != nil {
		key = m[1]
	}

	// 異体字セレクタと肌色修飾子（Unicode表記の場合）
	key = strings.Map(func(r rune) rune {
		if r == '\uFE0F' || (r >= 0x1F3FB && r <= 0x1F3FF) {
			return -1
		}
		return r
	}, key)

	key = strings.ToLower(key)

	// ":thumbsup::skin-tone-2:" -> "thumbsup"
	key = strings.Trim(strings.TrimSpace(key), ":")
	key = skinTonePattern.ReplaceAllString(key, "")

	return strings.TrimSpace(key)
}
