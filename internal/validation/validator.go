package validation

import (
	"fmt"
	"strings"
)

// ValidateNetworkConfig validates the identity and server of a network
func ValidateNetworkConfig(name, nickname, address string, port int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name is required")
	}
	if err := ValidateNickname(nickname); err != nil {
		return err
	}
	return ValidateServerAddress(address, port)
}

// ValidateChannelName validates an IRC channel name
func ValidateChannelName(channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return fmt.Errorf("channel name is required")
	}
	// IRC channels must start with #, &, +, or !
	if channel[0] != '#' && channel[0] != '&' && channel[0] != '+' && channel[0] != '!' {
		return fmt.Errorf("channel name must start with #, &, +, or !")
	}
	// Channel names have length limits (typically 50 chars, but varies by server)
	if len(channel) > 200 {
		return fmt.Errorf("channel name too long (max 200 characters)")
	}
	if strings.ContainsAny(channel, " \x00\x07\x0A\x0D,") {
		return fmt.Errorf("channel name contains invalid characters")
	}
	return nil
}

// ValidateNickname validates an IRC nickname
func ValidateNickname(nick string) error {
	if strings.TrimSpace(nick) == "" {
		return fmt.Errorf("nickname is required")
	}
	if len(nick) > 64 {
		return fmt.Errorf("nickname too long (max 64 characters)")
	}
	// Nicks cannot start with a digit, a dash or a channel prefix
	if strings.ContainsRune("0123456789-#&+!:$", rune(nick[0])) {
		return fmt.Errorf("nickname cannot start with %q", nick[0])
	}
	if strings.ContainsAny(nick, " ,*?!@.\x00\x07\x0A\x0D") {
		return fmt.Errorf("nickname contains invalid characters")
	}
	return nil
}

// ValidateServerAddress validates a server address and port
func ValidateServerAddress(address string, port int) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("server address is required")
	}
	if strings.ContainsAny(address, " /:") {
		return fmt.Errorf("server address must be a bare host name")
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
