package dispatcher

import "encoding/json"

// reservedContextKeys names match the host globals a sandboxed script
// must never see shadowed into its execution context (spec §4.4).
var reservedContextKeys = map[string]bool{
	"api": true, "this": true, "global": true, "process": true,
	"constructor": true, "prototype": true, "__proto__": true,
	"globalThis": true, "require": true, "module": true,
}

// FilterContext drops any key whose name is reserved or whose value is
// not JSON-representable, returning the filtered context and the names of
// every key it dropped (spec §4.4: "report dropped keys in
// security_flags").
func FilterContext(ctx map[string]any) (filtered map[string]any, dropped []string) {
	filtered = make(map[string]any, len(ctx))
	for key, value := range ctx {
		if reservedContextKeys[key] {
			dropped = append(dropped, key)
			continue
		}
		if !jsonRepresentable(value) {
			dropped = append(dropped, key)
			continue
		}
		filtered[key] = value
	}
	return filtered, dropped
}

func jsonRepresentable(value any) bool {
	_, err := json.Marshal(value)
	return err == nil
}
