package anchor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"markd/internal/dom"
)

const page = `<html><head><title>t</title></head><body>
<article><h1>Title</h1><p>First <em>emphasised</em> paragraph.</p><p>Second one.</p></article>
</body></html>`

func parse(t *testing.T) *html.Node {
	t.Helper()
	doc, err := dom.ParseString(page)
	require.NoError(t, err)
	return doc
}

func TestSerializeResolveRoundTrip(t *testing.T) {
	doc := parse(t)
	em := dom.Find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Em })
	require.NotNil(t, em)
	target := em.FirstChild

	pos, err := Serialize(doc, target, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, pos.Offset)
	assert.True(t, pos.Text)

	// A fresh parse of the same markup resolves to the equivalent node.
	again := parse(t)
	n, ok := Resolve(again, pos)
	require.True(t, ok)
	assert.Equal(t, "emphasised", n.Data)

	back, err := Serialize(again, n, pos.Offset)
	require.NoError(t, err)
	assert.True(t, pos.Equal(back))
}

func TestSerializeDetached(t *testing.T) {
	doc := parse(t)
	_, err := Serialize(doc, dom.NewText("loose"), 0)
	assert.ErrorIs(t, err, ErrDetached)
}

func TestResolveOutOfRange(t *testing.T) {
	doc := parse(t)
	_, ok := Resolve(doc, Position{Path: []int{0, 1, 9, 9}})
	assert.False(t, ok)

	n, ok := Resolve(doc, Position{})
	require.True(t, ok)
	assert.Equal(t, doc, n)
}

func TestResolveChecksNodeKind(t *testing.T) {
	doc := parse(t)
	h1 := dom.Find(doc, func(n *html.Node) bool { return n.DataAtom == atom.H1 })
	require.NotNil(t, h1)

	pos, err := Serialize(doc, h1.FirstChild, 2)
	require.NoError(t, err)

	// Replace the heading text with an element at the same index.
	h1.RemoveChild(h1.FirstChild)
	h1.AppendChild(dom.NewElement("span"))
	_, ok := Resolve(doc, pos)
	assert.False(t, ok)
}

func TestClampOffset(t *testing.T) {
	txt := dom.NewText("héllo")
	assert.Equal(t, 0, ClampOffset(txt, -3))
	assert.Equal(t, 5, ClampOffset(txt, 40))
	assert.Equal(t, 2, ClampOffset(txt, 2))

	p := dom.NewElement("p")
	p.AppendChild(dom.NewText("a"))
	assert.Equal(t, 1, ClampOffset(p, 3))
}

func TestIndexPathCodec(t *testing.T) {
	doc := parse(t)
	r, ok := dom.FindText(doc, "paragraph.", 0)
	require.True(t, ok)

	var codec Codec = IndexPath{}
	start, end, err := codec.Encode(doc, r)
	require.NoError(t, err)

	again := parse(t)
	got, err := codec.Decode(again, start, end)
	require.NoError(t, err)
	assert.Equal(t, "paragraph.", got.Text())
}

func TestDecodeClampsAndFails(t *testing.T) {
	doc := parse(t)
	r, ok := dom.FindText(doc, "Second", 0)
	require.True(t, ok)
	start, end, err := IndexPath{}.Encode(doc, r)
	require.NoError(t, err)

	end.Offset = 500
	got, err := IndexPath{}.Decode(doc, start, end)
	require.NoError(t, err)
	assert.Equal(t, "Second one.", got.Text())

	start.Path = append(start.Path, 7)
	_, err = IndexPath{}.Decode(doc, start, end)
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestPositionString(t *testing.T) {
	assert.Equal(t, "/0/1/2:5", Position{Path: []int{0, 1, 2}, Offset: 5}.String())
	assert.Equal(t, "/:0", Position{}.String())
}
