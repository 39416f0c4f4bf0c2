package recipient

import (
	"strings"
	"time"
)

// Recipient is one destination address with its template attributes.
// The ID is opaque and stable across saves.
type Recipient struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Address      string    `json:"address"`
	Opt1         string    `json:"opt1,omitempty"`
	Opt2         string    `json:"opt2,omitempty"`
	Opt3         string    `json:"opt3,omitempty"`
	Opt4         string    `json:"opt4,omitempty"`
	Opt5         string    `json:"opt5,omitempty"`
	ChannelGroup string    `json:"channel_group,omitempty"`
	Selected     bool      `json:"selected"`
	CreatedAt    time.Time `json:"created_at"`
}

// channelGroups maps address prefixes to carrier groups. Display and
// filtering only, never used for routing.
var channelGroups = map[string]string{
	"060": "group-a",
	"061": "group-a",
	"070": "group-b",
	"071": "group-b",
	"072": "group-b",
	"090": "group-c",
}

// ChannelGroupFor derives the display group from an address prefix.
// Unknown prefixes return an empty group.
func ChannelGroupFor(address string) string {
	addr := strings.TrimPrefix(address, "+")
	for prefix, group := range channelGroups {
		if strings.HasPrefix(addr, prefix) {
			return group
		}
	}
	return ""
}
