package executor

import (
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// decodeOutput turns raw remote bytes into a string. Windows consoles
// frequently emit cp1252; when the bytes are not valid UTF-8 on a
// Windows host, decode them as cp1252 instead of dropping them.
func decodeOutput(raw []byte, windowsText bool) string {
	if len(raw) == 0 {
		return ""
	}
	if !windowsText || utf8.Valid(raw) {
		return string(raw)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(decoded)
}
