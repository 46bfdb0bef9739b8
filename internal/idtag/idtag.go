// Package idtag builds and parses exchange order-link IDs.
//
// Every order the bot places carries a client-assigned link id of the form
// "{trade_id}_{tag}" so that reconciliation never needs to cross-reference
// exchange-assigned order ids. The tag vocabulary is a closed enum to avoid
// the ad-hoc string-suffix typos the original bot was prone to.
package idtag

import (
	"strconv"
	"strings"
)

// Tag is one of the closed set of order-link-id suffixes.
type Tag string

const (
	TagE1    Tag = "E1"
	TagSI    Tag = "SI"
	TagClose Tag = "CLOSE"
)

// DCA returns the tag for DCA level k (k >= 1).
func DCA(level int) Tag { return Tag("DCA" + strconv.Itoa(level)) }

// TP returns the tag for signal-target take-profit leg k (1-indexed).
func TP(leg int) Tag { return Tag("TP" + strconv.Itoa(leg)) }

// DTP returns the tag for an avg-based (post-DCA) take-profit leg.
func DTP(leg int) Tag { return Tag("DTP" + strconv.Itoa(leg)) }

// STP returns the tag for a safety stop-loss marker (diagnostic use only;
// the exchange conditional-stop call itself carries no link id).
func STP(leg int) Tag { return Tag("STP" + strconv.Itoa(leg)) }

// Build constructs the full link id for a trade and tag.
func Build(tradeID string, tag Tag) string {
	return tradeID + "_" + string(tag)
}

// Parse splits a link id back into (trade_id, tag). ok is false if the link
// id does not contain the separator.
func Parse(linkID string) (tradeID string, tag Tag, ok bool) {
	idx := strings.LastIndexByte(linkID, '_')
	if idx < 0 {
		return "", "", false
	}
	return linkID[:idx], Tag(linkID[idx+1:]), true
}
