// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package commandfmt extracts bot command text from Matrix message content.
package commandfmt

import (
	"html"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"maunium.net/go/mautrix/event"
)

var (
	pillRe  = regexp.MustCompile(`<a href="https://matrix\.to/#/([^"?]+)(?:\?[^"]*)?"[^>]*>.*?</a>`)
	linkRe  = regexp.MustCompile(`<a href="[^"]+"[^>]*>(.*?)</a>`)
	brRe    = regexp.MustCompile(`<br\s*/?>`)
	blockRe = regexp.MustCompile(`</?(p|div|blockquote|pre)[^>]*>`)
	tagRe   = regexp.MustCompile(`<[^>]+>`)
)

// Text returns the plain text of a message. Mentions in the HTML body are
// replaced by the identifier they point to, so a pill for a community
// renders as +group:server instead of its display name.
func Text(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return strings.TrimSpace(content.Body)
	}

	text := content.FormattedBody
	text = pillRe.ReplaceAllStringFunc(text, func(match string) string {
		target := pillRe.FindStringSubmatch(match)[1]
		if decoded, err := url.PathUnescape(target); err == nil {
			target = decoded
		}
		return target
	})
	text = linkRe.ReplaceAllString(text, "$1")
	text = brRe.ReplaceAllString(text, " ")
	text = blockRe.ReplaceAllString(text, " ")
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	return strings.TrimSpace(text)
}

// Split reports whether text invokes a command with the given prefix and
// returns the subcommand and its arguments. A bare prefix yields an empty
// subcommand.
func Split(text, prefix string) (command string, args []string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(text), prefix)
	if !found || (rest != "" && !unicode.IsSpace(rune(rest[0]))) {
		return "", nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", nil, true
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
