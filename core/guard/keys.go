package guard

import (
	"strings"
)

// KeyCombo is a key press with its modifiers. Key uses DOM key names ("c", "Tab", "F5", "PrintScreen").
type KeyCombo struct {
	Key   string
	Ctrl  bool
	Alt   bool
	Shift bool
	Meta  bool
}

func (k KeyCombo) String() string {
	parts := make([]string, 0, 5)
	if k.Ctrl {
		parts = append(parts, "Ctrl")
	}
	if k.Meta {
		parts = append(parts, "Meta")
	}
	if k.Alt {
		parts = append(parts, "Alt")
	}
	if k.Shift {
		parts = append(parts, "Shift")
	}
	key := k.Key
	if len(key) == 1 {
		key = strings.ToUpper(key)
	}
	return strings.Join(append(parts, key), "+")
}

// accelerator reports whether the platform command modifier is held (Ctrl, or Cmd on macOS).
func (k KeyCombo) accelerator() bool { return k.Ctrl || k.Meta }

var (
	// accelerator + key: copy, paste, cut, select-all, print, save, view-source
	deniedAccelerators = map[string]bool{"c": true, "v": true, "x": true, "a": true, "p": true, "s": true, "u": true}
	// accelerator + shift + key: devtools toggles
	deniedDevtools = map[string]bool{"i": true, "j": true, "c": true}
)

// Forbidden reports whether k is on the exam deny-list.
func Forbidden(k KeyCombo) bool {
	key := strings.ToLower(k.Key)
	switch {
	case isFunctionKey(k.Key), key == "printscreen":
		return true
	case k.Alt && key == "tab":
		return true
	case k.accelerator() && k.Shift && deniedDevtools[key]:
		return true
	case k.accelerator() && !k.Shift && deniedAccelerators[key]:
		return true
	case k.Meta && k.Alt && key == "i": // devtools on macOS
		return true
	}
	return false
}

func isFunctionKey(key string) bool {
	if len(key) < 2 || len(key) > 3 || (key[0] != 'F' && key[0] != 'f') {
		return false
	}
	switch key[1:] {
	case "1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12":
		return true
	}
	return false
}
