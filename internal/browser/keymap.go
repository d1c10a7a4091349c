package browser

// keyDef carries the CDP fields for a named (non-printable) key. Some
// named keys still insert text: Enter must carry "\r" or forms never
// submit.
type keyDef struct {
	code string
	vk   int
	text string
}

var namedKeys = map[string]keyDef{
	"Enter":      {code: "Enter", vk: 13, text: "\r"},
	"Tab":        {code: "Tab", vk: 9},
	"Backspace":  {code: "Backspace", vk: 8},
	"Delete":     {code: "Delete", vk: 46},
	"Escape":     {code: "Escape", vk: 27},
	"Space":      {code: "Space", vk: 32, text: " "},
	" ":          {code: "Space", vk: 32, text: " "},
	"ArrowLeft":  {code: "ArrowLeft", vk: 37},
	"ArrowUp":    {code: "ArrowUp", vk: 38},
	"ArrowRight": {code: "ArrowRight", vk: 39},
	"ArrowDown":  {code: "ArrowDown", vk: 40},
	"Home":       {code: "Home", vk: 36},
	"End":        {code: "End", vk: 35},
	"PageUp":     {code: "PageUp", vk: 33},
	"PageDown":   {code: "PageDown", vk: 34},
	"Insert":     {code: "Insert", vk: 45},
	"Shift":      {code: "ShiftLeft", vk: 16},
	"Control":    {code: "ControlLeft", vk: 17},
	"Alt":        {code: "AltLeft", vk: 18},
	"Meta":       {code: "MetaLeft", vk: 91},
	"CapsLock":   {code: "CapsLock", vk: 20},
	"F1":         {code: "F1", vk: 112},
	"F2":         {code: "F2", vk: 113},
	"F3":         {code: "F3", vk: 114},
	"F4":         {code: "F4", vk: 115},
	"F5":         {code: "F5", vk: 116},
	"F6":         {code: "F6", vk: 117},
	"F7":         {code: "F7", vk: 118},
	"F8":         {code: "F8", vk: 119},
	"F9":         {code: "F9", vk: 120},
	"F10":        {code: "F10", vk: 121},
	"F11":        {code: "F11", vk: 122},
	"F12":        {code: "F12", vk: 123},
}

// lookupKey resolves a key name to its CDP definition. Unknown names are
// forwarded with the name as code and no virtual key; the browser treats
// them as unidentified keys rather than erroring.
func lookupKey(key string) keyDef {
	if def, ok := namedKeys[key]; ok {
		return def
	}
	return keyDef{code: key}
}

// IsPrintable reports whether key is a single printable character rather
// than a named key like "Enter". Control channels use it to decide
// between text insertion and a raw key event, and to keep key values out
// of logs.
func IsPrintable(key string) bool {
	runes := []rune(key)
	return len(runes) == 1
}
