package httputil

import (
	"regexp"
	"strings"
)

// Channel names are broker topics such as "album-<code>" or "user-<name>".
var channelRegex = regexp.MustCompile(`^[a-zA-Z0-9._:-]{1,256}$`)

// ValidateChannelName checks if a pub/sub channel name is acceptable to every broker backend.
func ValidateChannelName(channel string) bool {
	return channelRegex.MatchString(channel)
}

var usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// ValidateUsername checks the username used to look up a websocket secret.
func ValidateUsername(name string) bool {
	name = strings.TrimSpace(name)
	return name != "" && usernameRegex.MatchString(name)
}
