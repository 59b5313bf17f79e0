package richtext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFacetOffsets checks that a link's byte-offset facet lines up with the
// plain-text rendering of the surrounding HTML.
func TestFacetOffsets(t *testing.T) {
	p, err := Parse(`<p>Visit <a href="https://x.y">X Y</a>!</p>`, "")
	require.NoError(t, err)
	require.Equal(t, "Visit X Y!", p.Text)
	require.Len(t, p.Facets, 1)
	require.Equal(t, 6, p.Facets[0].ByteStart)
	require.Equal(t, 9, p.Facets[0].ByteEnd)
	require.Equal(t, "link", p.Facets[0].Kind)
	require.Equal(t, "https://x.y", p.Facets[0].URI)
}

// TestRoundTrip checks that plain text with no HTML-significant characters
// and no anchors survives a ToHTML→Parse round trip unchanged.
func TestRoundTrip(t *testing.T) {
	cases := []string{
		"hello world",
		"Para one\n\nPara two",
		"Line one\nLine two",
		"Three\n\nParagraphs\n\nHere",
	}
	for _, text := range cases {
		p, err := Parse(ToHTML(text), "")
		require.NoError(t, err)
		require.Equal(t, text, p.Text)
	}
}

// TestFacetBoundsInvariant is invariant 4: byteStart < byteEnd <= len(text).
func TestFacetBoundsInvariant(t *testing.T) {
	p, err := Parse(`<p>See <a href="https://a">this</a> and <a href="https://b">that</a>.</p>`, "")
	require.NoError(t, err)
	for _, f := range p.Facets {
		require.Less(t, f.ByteStart, f.ByteEnd)
		require.LessOrEqual(t, f.ByteEnd, len(p.Text))
	}
}

func TestInvisibleClassSkipped(t *testing.T) {
	p, err := Parse(`<p><a href="https://x.y"><span class="invisible">https://</span>x.y</a></p>`, "")
	require.NoError(t, err)
	require.Equal(t, "x.y", p.Text)
}

func TestToHTMLWrapsParagraphs(t *testing.T) {
	require.Equal(t, "<p>a</p><p>b</p>", ToHTML("a\n\nb"))
}
