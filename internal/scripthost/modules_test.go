// Copyright 2025 James Ross
package scripthost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauntlet-run/plugin-core/internal/pluginmodel"
)

func TestResolveModule_FixedModules(t *testing.T) {
	for _, specifier := range []string{"plugin:core", "plugin:renderer", "react", "react/jsx-runtime"} {
		src, err := ResolveModule(specifier, nil)
		require.NoError(t, err, specifier)
		assert.NotEmpty(t, src, specifier)
	}
}

func TestResolveModule_DynamicViewAndModule(t *testing.T) {
	code := pluginmodel.PluginCode{
		"search-view": "export default function SearchView() {}",
		"helpers":     "export function format(x) { return x; }",
	}

	src, err := ResolveModule("plugin:view?search-view", code)
	require.NoError(t, err)
	assert.Contains(t, src, "SearchView")

	src, err = ResolveModule("plugin:module?helpers", code)
	require.NoError(t, err)
	assert.Contains(t, src, "format")
}

func TestResolveModule_RelativeImportRewritesToModuleSpecifier(t *testing.T) {
	code := pluginmodel.PluginCode{"helpers": "export const x = 1;"}

	src, err := ResolveModule("./helpers.js", code)
	require.NoError(t, err)
	assert.Contains(t, src, "const x = 1")
}

func TestResolveModule_UnknownSpecifierErrors(t *testing.T) {
	_, err := ResolveModule("plugin:module?missing", pluginmodel.PluginCode{})
	var notFound *ErrModuleNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestCanonicalizeSpecifier(t *testing.T) {
	assert.Equal(t, "plugin:module?helpers", canonicalizeSpecifier("./helpers.js"))
	assert.Equal(t, "plugin:module?helpers", canonicalizeSpecifier("./helpers"))
	assert.Equal(t, "plugin:core", canonicalizeSpecifier("plugin:core"))
}

func TestModuleGlobalName_StableAndUnique(t *testing.T) {
	a := moduleGlobalName("plugin:core")
	b := moduleGlobalName("plugin:core")
	c := moduleGlobalName("plugin:renderer")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
