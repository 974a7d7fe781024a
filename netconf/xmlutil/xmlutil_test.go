package xmlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEmptyYieldsNilCursor(t *testing.T) {
	c := Build("")
	assert.True(t, c.IsNil())
}

func TestBuildRPCFillsMessageIDAndNamespace(t *testing.T) {
	c := BuildRPC("get-config")
	out, err := c.Document().WriteToString()
	require.NoError(t, err)
	assert.Contains(t, out, `xmlns="urn:ietf:params:xml:ns:netconf:base:1.0"`)
	assert.Contains(t, out, `message-id=`)
}

func TestBuildConfigurationNestedSpine(t *testing.T) {
	c := BuildConfiguration("system", "services")
	assert.Equal(t, "services", c.Element().Tag)
	assert.Equal(t, "system", c.Element().Parent().Tag)
}

func TestAppendVariants(t *testing.T) {
	root := Build("configuration")
	child := root.Append("interfaces")
	assert.Equal(t, "interfaces", child.Element().Tag)

	leaf := child.AppendText("description", "uplink")
	assert.Equal(t, "uplink", leaf.Element().Text())

	child.AppendAll("unit", []string{"0", "1", "2"})
	units := child.Element().SelectElements("unit")
	require.Len(t, units, 3)
	assert.Equal(t, "1", units[1].Text())

	named := child.AppendNamedMap("family", []string{"inet", "mpls"}, map[string]string{"inet": "a", "mpls": "b"})
	assert.Equal(t, "family", named.Element().Tag)
	assert.Equal(t, "a", named.Element().SelectElement("inet").Text())
}

func TestAddSiblingFailsWithoutParent(t *testing.T) {
	root := Build("configuration")
	_, err := root.AddSibling("other")
	assert.Error(t, err)
}

func TestAddSiblingSucceedsUnderParent(t *testing.T) {
	root := Build("configuration")
	child := root.Append("interfaces")
	sib, err := child.AddSibling("system")
	require.NoError(t, err)
	assert.Equal(t, "system", sib.Element().Tag)
	assert.Equal(t, 2, len(root.Element().ChildElements()))
}

func TestAddPathMaterializesChain(t *testing.T) {
	root := Build("configuration")
	leaf := root.AddPath("system/services/netconf")
	assert.Equal(t, "netconf", leaf.Element().Tag)
	assert.Equal(t, "services", leaf.Element().Parent().Tag)
}

func TestSetAttributeSetTextSetTextContent(t *testing.T) {
	root := Build("configuration").Append("host-name")
	root.SetText("router1")
	assert.Equal(t, "router1", root.Element().Text())

	root.SetTextContent("router2")
	assert.Equal(t, "router2", root.Element().Text())

	root.SetAttribute("junos:changed-seconds", "123")
	assert.Equal(t, "123", root.Element().SelectAttrValue("junos:changed-seconds", ""))
}

func TestJunosVendorAttributes(t *testing.T) {
	c := Build("configuration").Append("interfaces")
	c.JunosDelete()
	assert.Equal(t, "delete", c.Element().SelectAttrValue("junos:operation", ""))

	c.JunosActivate()
	assert.Equal(t, "active", c.Element().SelectAttrValue("junos:operation", ""))

	c.JunosRename("ge-0/0/1")
	assert.Equal(t, "ge-0/0/1", c.Element().SelectAttrValue("junos:name", ""))

	c.JunosInsert("first")
	assert.Equal(t, "first", c.Element().SelectAttrValue("insert", ""))
}

const filterDoc = `<env><item><name>FPC 0</name><t>41</t></item><item><name>RE 0</name><t>55</t></item></env>`

func TestFindValueWithFilterMatches(t *testing.T) {
	c, err := ParseDocument([]byte(filterDoc))
	require.NoError(t, err)

	val, ok := c.FindValue([]string{"env", "item", "name~RE 0", "t"})
	require.True(t, ok)
	assert.Equal(t, "55", val)
}

func TestFindValueWithFilterNoMatch(t *testing.T) {
	c, err := ParseDocument([]byte(filterDoc))
	require.NoError(t, err)

	_, ok := c.FindValue([]string{"item", "name~ABSENT", "t"})
	assert.False(t, ok)
}

func TestFindValueNoFilterAdvancesToFirst(t *testing.T) {
	c, err := ParseDocument([]byte(filterDoc))
	require.NoError(t, err)

	val, ok := c.FindValue([]string{"item", "name"})
	require.True(t, ok)
	assert.Equal(t, "FPC 0", val)
}

func TestFindNodesWithoutFilterReturnsSiblings(t *testing.T) {
	c, err := ParseDocument([]byte(filterDoc))
	require.NoError(t, err)

	nodes := c.FindNodes([]string{"item"})
	assert.Len(t, nodes, 2)
}

func TestFindNodesWithFilterReturnsSingle(t *testing.T) {
	c, err := ParseDocument([]byte(filterDoc))
	require.NoError(t, err)

	nodes := c.FindNodes([]string{"item", "name~FPC 0"})
	require.Len(t, nodes, 1)
	assert.Equal(t, "FPC 0", nodes[0].SelectElement("name").Text())
}

func TestFindValueTrimsNewlines(t *testing.T) {
	doc := "<root><value>\nhello\n</value></root>"
	c, err := ParseDocument([]byte(doc))
	require.NoError(t, err)

	val, ok := c.FindValue([]string{"value"})
	require.True(t, ok)
	assert.Equal(t, "hello", val)
}

func TestToStringPrettyPrintsWithoutDeclaration(t *testing.T) {
	c := Build("configuration")
	c.Append("system").AppendText("host-name", "r1")

	out, err := c.ToString()
	require.NoError(t, err)
	assert.NotContains(t, out, "<?xml")
	assert.Contains(t, out, "    <system>")
}

func TestRoundTripBuildFindsSpineLeaf(t *testing.T) {
	c := BuildConfiguration("system", "services", "netconf", "ssh")
	out, err := c.ToString()
	require.NoError(t, err)

	reparsed, err := ParseDocument([]byte(out))
	require.NoError(t, err)

	nodes := reparsed.FindNodes([]string{"configuration", "system", "services", "netconf", "ssh"})
	require.Len(t, nodes, 1)
	assert.Equal(t, "ssh", nodes[0].Tag)
}
