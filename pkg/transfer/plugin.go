package transfer

import (
	"fmt"
	"plugin"
)

// DefaultEntrypoint is the symbol GoPluginLoader calls after opening a plugin.
const DefaultEntrypoint = "Initialize"

// GoPluginLoader opens installed files as Go plugins and runs their
// entry point, a func() exported under Symbol.
type GoPluginLoader struct {
	Symbol string
}

func (l GoPluginLoader) Load(path string) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("open plugin: %w", err)
	}
	name := l.Symbol
	if name == "" {
		name = DefaultEntrypoint
	}
	sym, err := p.Lookup(name)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	entry, ok := sym.(func())
	if !ok {
		return fmt.Errorf("%s has type %T, want func()", name, sym)
	}
	entry()
	return nil
}
