package executor

import (
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/text/encoding/unicode"

	"github.com/scriptherd/scriptherd/internal/model"
)

// commandStrategy is the resolved shape of one remote invocation:
// the command line to start, what to feed it on stdin, and the
// platform quirks the reader has to honor.
type commandStrategy struct {
	cmd         string
	stdin       string
	settleDelay time.Duration
	windowsText bool
}

// resolveStrategy maps (interpreter, os family) to a concrete command.
// Hosts with unknown OS family are treated as POSIX.
func resolveStrategy(script *model.Script, host *model.Host, executionID string) (commandStrategy, error) {
	windows := host.OSFamily == model.OSWindows
	content := script.Content

	switch script.Interpreter {
	case model.InterpreterShell:
		if windows {
			return commandStrategy{
				cmd:         "cmd.exe /c " + content,
				settleDelay: time.Second,
				windowsText: true,
			}, nil
		}
		return commandStrategy{cmd: "/bin/sh -s", stdin: content}, nil

	case model.InterpreterPython:
		if windows {
			path := `C:\temp\scriptherd_` + executionID + `.py`
			// more copies stdin to the file; del runs regardless of the
			// script's exit code.
			cmd := fmt.Sprintf(`cmd.exe /c "more > %s && python %s & del %s"`, path, path, path)
			return commandStrategy{
				cmd:         cmd,
				stdin:       content,
				settleDelay: time.Second,
				windowsText: true,
			}, nil
		}
		path := "/tmp/scriptherd_" + executionID + ".py"
		cmd := fmt.Sprintf(`/bin/sh -c 'cat > %s && python3 %s; rc=$?; rm -f %s; exit $rc'`, path, path, path)
		return commandStrategy{cmd: cmd, stdin: content}, nil

	case model.InterpreterPowerShell:
		encoded, err := encodePowerShell(content)
		if err != nil {
			return commandStrategy{}, err
		}
		if windows {
			return commandStrategy{
				cmd:         "powershell -NoProfile -EncodedCommand " + encoded,
				settleDelay: time.Second,
				windowsText: true,
			}, nil
		}
		// POSIX hosts may carry pwsh or legacy powershell; fail loudly
		// when neither is installed.
		cmd := fmt.Sprintf(
			`/bin/sh -c 'PS=$(command -v pwsh || command -v powershell) || { echo "powershell interpreter not found" >&2; exit 127; }; exec "$PS" -NoProfile -EncodedCommand %s'`,
			encoded,
		)
		return commandStrategy{cmd: cmd}, nil

	default:
		return commandStrategy{}, fmt.Errorf("unsupported interpreter %q", script.Interpreter)
	}
}

// encodePowerShell produces the base64 UTF-16LE form -EncodedCommand
// expects.
func encodePowerShell(content string) (string, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	raw, err := enc.Bytes([]byte(content))
	if err != nil {
		return "", fmt.Errorf("encode powershell command: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
