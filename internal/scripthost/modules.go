// Copyright 2025 James Ross

// Package scripthost is the ECMAScript sandbox that runs one plugin's code:
// one quickjs VM per runtime, pinned to its own OS thread, with a small set
// of fixed JS modules and a host operation surface gated by the plugin's
// declared Permissions (spec.md §4.5).
package scripthost

import (
	"crypto/sha1"
	"embed"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

//go:embed assets/plugin_core.js assets/plugin_renderer.js assets/react.js assets/react_jsx_runtime.js
var fixedModuleAssets embed.FS

// fixedModules maps a specifier to the embedded source implementing it.
var fixedModules = map[string]string{
	"plugin:core":       "assets/plugin_core.js",
	"plugin:renderer":    "assets/plugin_renderer.js",
	"react":              "assets/react.js",
	"react/jsx-runtime":  "assets/react_jsx_runtime.js",
}

// ErrModuleNotFound is returned when a specifier resolves to nothing: not a
// fixed module, not a dynamic plugin:view/plugin:module request the
// plugin's own code can satisfy, and not a relative import of a file the
// plugin declared.
type ErrModuleNotFound struct {
	Specifier string
}

func (e *ErrModuleNotFound) Error() string {
	return fmt.Sprintf("scripthost: module not found: %s", e.Specifier)
}

var relativeImport = regexp.MustCompile(`^\./(.+?)(?:\.js)?$`)

// canonicalizeSpecifier rewrites a relative "./name.js" import into the
// "plugin:module?name" form dynamic resolution expects, per spec.md §4.5's
// module resolution rule. Absolute specifiers pass through unchanged.
func canonicalizeSpecifier(specifier string) string {
	if m := relativeImport.FindStringSubmatch(specifier); m != nil {
		return "plugin:module?" + m[1]
	}
	return specifier
}

// ResolveModule returns the JS source for specifier, given the plugin's own
// code map (entrypoint id / module name -> source, as declared in
// PluginRecord.Code). Fixed modules (plugin:core, plugin:renderer, react,
// react/jsx-runtime) are served from the embedded assets regardless of
// what's in code.
func ResolveModule(specifier string, code pluginmodel.PluginCode) (string, error) {
	specifier = canonicalizeSpecifier(specifier)

	if assetPath, ok := fixedModules[specifier]; ok {
		data, err := fixedModuleAssets.ReadFile(assetPath)
		if err != nil {
			return "", fmt.Errorf("scripthost: read embedded module %s: %w", specifier, err)
		}
		return string(data), nil
	}

	if name, ok := strings.CutPrefix(specifier, "plugin:view?"); ok {
		if src, ok := code[name]; ok {
			return src, nil
		}
		return "", &ErrModuleNotFound{Specifier: specifier}
	}

	if name, ok := strings.CutPrefix(specifier, "plugin:module?"); ok {
		if src, ok := code[name]; ok {
			return src, nil
		}
		return "", &ErrModuleNotFound{Specifier: specifier}
	}

	// A plugin may also address its own files directly by the same key it
	// used in PluginCode, without the plugin:module? prefix.
	if src, ok := code[specifier]; ok {
		return src, nil
	}

	return "", &ErrModuleNotFound{Specifier: specifier}
}

// moduleGlobalName produces a stable, JS-identifier-safe global variable
// name for caching one module's evaluated exports, mirroring the
// PLUGIN_<id> wrapper convention: each module is evaluated at most once per
// VM and its exports object is memoized under this name.
func moduleGlobalName(specifier string) string {
	sum := sha1.Sum([]byte(specifier))
	return "MODULE_" + hex.EncodeToString(sum[:8])
}

// wrapModule produces the IIFE source that evaluates a module's body once
// and records its exports in the shared __moduleExports registry under its
// canonical specifier, so later importers reuse the same instance instead
// of re-evaluating (spec.md §4.5: modules are singletons per VM). The body
// runs as a plain function, not as an ES module, so the first
// "export default " in source is rewritten to an assignment to
// module.exports.default; no other export form is rewritten.
func wrapModule(specifier, source string) string {
	global := moduleGlobalName(specifier)
	source = strings.Replace(source, "export default ", "module.exports.default = ", 1)
	return fmt.Sprintf(`
globalThis[%[1]q] = (function () {
  var exports = {};
  var module = { exports: exports };
  (function (module, exports) {
    %[2]s
  })(module, module.exports);
  globalThis.__moduleExports = globalThis.__moduleExports || {};
  globalThis.__moduleExports[%[3]q] = module.exports;
  return module.exports;
})();
`, global, source, specifier)
}
