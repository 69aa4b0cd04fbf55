package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a module has been halted by its owner.
type PauseView interface {
	IsPaused(module string) bool
}

// PauseSet is a static PauseView keyed by module name.
type PauseSet map[string]bool

// IsPaused implements PauseView.
func (p PauseSet) IsPaused(module string) bool {
	return p[module]
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
