// Package utils collects small helpers shared across the proxy.
package utils

// CmdLine is a command encoded as its argument words, the in-memory shape
// that flows from the decoder down to a back-end sender.
type CmdLine = [][]byte

// ToCmdLine converts a list of strings into a CmdLine.
func ToCmdLine(args ...string) CmdLine {
	result := make(CmdLine, len(args))
	for i, a := range args {
		result[i] = []byte(a)
	}
	return result
}

// ToCmdLineBytes converts a list of []byte into a CmdLine without copying.
func ToCmdLineBytes(args ...[]byte) CmdLine {
	result := make(CmdLine, len(args))
	copy(result, args)
	return result
}

// BytesEquals does a nil-safe byte slice comparison.
func BytesEquals(a, b []byte) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
