// Package scripts provides the JavaScript evaluated inside isolated worlds.
package scripts

import (
	_ "embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed bootstrap.js
var bootstrapJS string

var (
	bootstrapFn     string
	bootstrapFnOnce sync.Once
)

// Bootstrap returns an expression that installs the calling convention as
// globalThis[globalName], forwarding calls through the binding bindingName.
// It evaluates to "installed", or "already-installed" when the global exists.
func Bootstrap(bindingName, globalName string) string {
	bootstrapFnOnce.Do(func() {
		bootstrapFn = strings.TrimSpace(bootstrapJS)
	})

	var sb strings.Builder
	sb.WriteString(bootstrapFn)
	sb.WriteString("(")
	sb.WriteString(quote(bindingName))
	sb.WriteString(", ")
	sb.WriteString(quote(globalName))
	sb.WriteString(")")
	return sb.String()
}

// HandleResponse returns an expression that settles call id inside the world.
// result and callErr are JSON literals; either may be empty for null.
func HandleResponse(globalName string, id int64, result, callErr []byte) string {
	var sb strings.Builder
	sb.WriteString("globalThis[")
	sb.WriteString(quote(globalName))
	sb.WriteString("].handleResponse(")
	sb.WriteString(jsonNumber(id))
	sb.WriteString(", ")
	sb.WriteString(literal(result))
	sb.WriteString(", ")
	sb.WriteString(literal(callErr))
	sb.WriteString(")")
	return sb.String()
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func literal(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
