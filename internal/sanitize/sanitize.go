// Package sanitize detects and masks personally identifiable information in
// free text before it reaches the trust log or the safety gate.
package sanitize

import (
	"fmt"
	"regexp"
)

var (
	reEmail = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	rePhone = regexp.MustCompile(`(?:\+?\d{1,3}[-\s]?)?(?:\d{2,4}[-\s]?){2,3}\d{3,4}`)
	reZip   = regexp.MustCompile(`\b\d{3}-?\d{4}\b`)

	// Japanese street addresses: a prefecture or municipality fragment
	// followed within 40 runes by a block/lot marker.
	reAddr = regexp.MustCompile(`(?:東京都|北海道|(?:京都|大阪)府|[\p{Han}]{2,3}県|[\p{Han}]{1,6}(?:市|区|町|村))[^\n]{0,40}?(?:\d{1,3}丁目|\d{1,3}-\d{1,3}|番地|号)`)

	// Honorific-suffixed names only; bare kanji sequences match too much
	// ordinary Japanese text.
	reName = regexp.MustCompile(`(?:[\p{Han}]{2,4}|[\p{Katakana}]{3,10})\s?(?:さん|様|氏|先生|殿)`)
)

func mask(token string) string {
	return fmt.Sprintf("〔%s〕", token)
}

// MaskPII replaces emails, phone numbers, postal codes, street addresses, and
// honorific-suffixed names with labeled mask tokens. Names are masked last so
// address fragments are not double-masked.
func MaskPII(text string) string {
	s := text
	s = reEmail.ReplaceAllString(s, mask("メール"))
	s = rePhone.ReplaceAllString(s, mask("電話"))
	s = reZip.ReplaceAllString(s, mask("郵便番号"))
	s = reAddr.ReplaceAllString(s, mask("住所"))
	s = reName.ReplaceAllString(s, mask("個人名"))
	return s
}

// Hit labels returned by Detect.
const (
	HitPhone    = "phone"
	HitEmail    = "email"
	HitAddress  = "address"
	HitNameLike = "name_like"
)

// Detect returns the PII pattern labels present in text, in a stable order.
func Detect(text string) []string {
	var hits []string
	if rePhone.MatchString(text) {
		hits = append(hits, HitPhone)
	}
	if reEmail.MatchString(text) {
		hits = append(hits, HitEmail)
	}
	if reAddr.MatchString(text) || reZip.MatchString(text) {
		hits = append(hits, HitAddress)
	}
	if reName.MatchString(text) {
		hits = append(hits, HitNameLike)
	}
	return hits
}

// OnlyNameLike reports whether hits consists of exactly the name_like label.
// A lone name-pattern match is too weak a signal to count as a PII violation.
func OnlyNameLike(hits []string) bool {
	return len(hits) == 1 && hits[0] == HitNameLike
}
