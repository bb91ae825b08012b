package share

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rescp17/vnet/pkg/registry"
)

// DefaultExtension is appended to requested names that have none.
const DefaultExtension = ".dll"

var (
	ErrNotCommand         = errors.New("share: not a share command")
	ErrMissingDestination = errors.New("share: missing destination")
	ErrInvalidDestination = errors.New("share: invalid destination")
)

// Command is a parsed share request.
//
//	!Name:client   send Name to the client and load it there
//	?Name:server   install Name on the server
type Command struct {
	FileName  string
	Direction registry.Direction
	Hotload   bool
}

// ParseCommand reads a share command from chat text.
func ParseCommand(text string) (Command, error) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || (text[0] != '!' && text[0] != '?') {
		return Command{}, ErrNotCommand
	}
	hotload := text[0] == '!'

	name, dest, ok := strings.Cut(text[1:], ":")
	name = strings.TrimSpace(name)
	if name == "" {
		return Command{}, fmt.Errorf("%w: empty file name", ErrNotCommand)
	}
	if !ok || strings.TrimSpace(dest) == "" {
		return Command{}, fmt.Errorf("%w in %q", ErrMissingDestination, text)
	}

	var dir registry.Direction
	switch strings.ToLower(strings.TrimSpace(dest)) {
	case "client":
		dir = registry.Clientbound
	case "server":
		dir = registry.Serverbound
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrInvalidDestination, dest)
	}

	if filepath.Ext(name) == "" {
		name += DefaultExtension
	}
	return Command{FileName: filepath.Base(name), Direction: dir, Hotload: hotload}, nil
}
