package mux

// Key is an enumerated control-key opcode. Raw escape sequences are never
// passed to the backend; only these opcodes map to multiplexer key names.
type Key int

const (
	KeyEnter Key = iota
	KeyCtrlC
	KeyEscape
	KeyTab
	KeyUp
	KeyDown
)

var keyNames = map[Key]string{
	KeyEnter:  "Enter",
	KeyCtrlC:  "C-c",
	KeyEscape: "Escape",
	KeyTab:    "Tab",
	KeyUp:     "Up",
	KeyDown:   "Down",
}

// Name returns the multiplexer key name for the opcode, or "" if unknown.
func (k Key) Name() string { return keyNames[k] }
