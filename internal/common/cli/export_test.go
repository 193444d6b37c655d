package cli

import "io"

// SetLogOutput redirects the JSON records to w and returns a function restoring the previous output.
func SetLogOutput(w io.Writer) (restore func()) {
	prev := logOutput
	logOutput = w
	return func() { logOutput = prev }
}
