package tefactory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMetadataXML = `<?xml version="1.0" encoding="utf-8" ?>
<metadata version="1.0">
<description>Sample test</description>
<prerequisites>none</prerequisites>
<api>1</api>
<parameters>
<parameter name="PX_HOST" default="localhost" type="string"><![CDATA[target host]]></parameter>
<parameter name="PX_PORT" default="8080" type="integer"><![CDATA[target port]]></parameter>
</parameters>
<groups>
<group name="smoke"><![CDATA[quick checks]]></group>
</groups>
</metadata>`

func metadataDocument(xml string) string {
	document := "# __METADATA__BEGIN__\n"
	for _, line := range splitLines(xml) {
		document += "# " + line + "\n"
	}
	document += "# __METADATA__END__\n"
	document += "print('hello')\n"
	return document
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

func TestExtractMetadata(t *testing.T) {
	t.Run("complete block", func(t *testing.T) {
		raw, ok := ExtractMetadata("# __METADATA__BEGIN__\n# <metadata/>\n# __METADATA__END__\ncode", "#")
		require.True(t, ok)
		assert.Equal(t, "<metadata/>", raw)
	})

	t.Run("must start on the first line", func(t *testing.T) {
		_, ok := ExtractMetadata("code\n# __METADATA__BEGIN__\n# x\n# __METADATA__END__", "#")
		assert.False(t, ok)
	})

	t.Run("missing end marker", func(t *testing.T) {
		_, ok := ExtractMetadata("# __METADATA__BEGIN__\n# <metadata/>\ncode", "#")
		assert.False(t, ok)
	})

	t.Run("interrupted by a blank line", func(t *testing.T) {
		_, ok := ExtractMetadata("# __METADATA__BEGIN__\n# <metadata>\n\n# </metadata>\n# __METADATA__END__", "#")
		assert.False(t, ok)
	})

	t.Run("interrupted by code", func(t *testing.T) {
		_, ok := ExtractMetadata("# __METADATA__BEGIN__\n# <metadata>\nx = 1\n# __METADATA__END__", "#")
		assert.False(t, ok)
	})

	t.Run("alternate comment prefix", func(t *testing.T) {
		raw, ok := ExtractMetadata("// __METADATA__BEGIN__\n// <metadata/>\n// __METADATA__END__", "//")
		require.True(t, ok)
		assert.Equal(t, "<metadata/>", raw)
	})
}

func TestParseMetadata(t *testing.T) {
	meta, err := ParseMetadata(sampleMetadataXML)
	require.NoError(t, err)

	assert.Equal(t, "Sample test", meta.Description)
	assert.Equal(t, "none", meta.Prerequisites)
	assert.Equal(t, "1", meta.API)

	require.Len(t, meta.Parameters, 2)
	host := meta.Parameters["PX_HOST"]
	assert.Equal(t, "localhost", host.Default)
	assert.Equal(t, "string", host.Type)
	assert.Equal(t, "target host", host.Description)
	port := meta.Parameters["PX_PORT"]
	assert.Equal(t, "8080", port.Default)
	assert.Equal(t, "integer", port.Type)

	require.Len(t, meta.Groups, 1)
	assert.Equal(t, "quick checks", meta.Groups["smoke"])

	session := meta.DefaultSession()
	assert.Equal(t, map[string]interface{}{"PX_HOST": "localhost", "PX_PORT": "8080"}, session)
	assert.ElementsMatch(t, []string{"smoke"}, meta.GroupNames())
}

func TestParseMetadataInvalidXML(t *testing.T) {
	_, err := ParseMetadata("<metadata><unclosed></metadata>")
	assert.Error(t, err)
}

func TestParseScriptMetadata(t *testing.T) {
	t.Run("with metadata block", func(t *testing.T) {
		meta, err := ParseScriptMetadata(metadataDocument(sampleMetadataXML), "#")
		require.NoError(t, err)
		assert.Equal(t, "Sample test", meta.Description)
		assert.Len(t, meta.Parameters, 2)
	})

	t.Run("without metadata block", func(t *testing.T) {
		meta, err := ParseScriptMetadata("print('no metadata here')\n", "#")
		require.NoError(t, err)
		assert.Equal(t, DefaultAPI, meta.API)
		assert.Empty(t, meta.Parameters)
		assert.Empty(t, meta.Groups)
	})

	t.Run("defaults applied", func(t *testing.T) {
		meta, err := ParseScriptMetadata(metadataDocument("<metadata><parameters><parameter name=\"PX_A\" default=\"1\"></parameter></parameters></metadata>"), "#")
		require.NoError(t, err)
		assert.Equal(t, DefaultAPI, meta.API)
		assert.Equal(t, "string", meta.Parameters["PX_A"].Type)
	})
}
