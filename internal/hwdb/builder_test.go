package hwdb

import (
	"encoding/binary"
	"sort"
)

type testValue struct {
	key, value string
	priority   uint16
	line       uint32
}

type testNode struct {
	prefix   string
	children map[byte]*testNode
	values   []testValue
}

func newTestNode() *testNode {
	return &testNode{children: make(map[byte]*testNode)}
}

// testTrie compiles patterns into the on-disk trie layout.
type testTrie struct {
	root *testNode
	line uint32
}

func newTestTrie() *testTrie {
	return &testTrie{root: newTestNode()}
}

// add stores " key=value" under pattern, at the next line number.
func (t *testTrie) add(pattern, key, value string, priority uint16) *testTrie {
	t.line++
	n := t.root
	for i := 0; i < len(pattern); i++ {
		child, ok := n.children[pattern[i]]
		if !ok {
			child = newTestNode()
			n.children[pattern[i]] = child
		}
		n = child
	}
	n.values = append(n.values, testValue{key: " " + key, value: value, priority: priority, line: t.line})
	return t
}

// addRaw stores a key without the property prefix.
func (t *testTrie) addRaw(pattern, key, value string) *testTrie {
	t.add(pattern, "", value, 0)
	n := t.root
	for i := 0; i < len(pattern); i++ {
		n = n.children[pattern[i]]
	}
	n.values[len(n.values)-1].key = key
	return t
}

// compress folds single-child chains into node prefixes, like the real
// database compiler does.
func compress(n *testNode) {
	for len(n.children) == 1 && len(n.values) == 0 {
		var c byte
		var child *testNode
		for c, child = range n.children {
		}
		n.prefix += string(c) + child.prefix
		n.children = child.children
		n.values = child.values
	}
	for _, child := range n.children {
		compress(child)
	}
}

func (t *testTrie) bytes(compressed bool) []byte {
	if compressed {
		compress(t.root)
	}

	const nodeSize, childSize, valueSize = 24, 16, 32

	offsets := make(map[*testNode]uint64)
	var order []*testNode
	var sorted func(n *testNode) []byte
	sorted = func(n *testNode) []byte {
		keys := make([]byte, 0, len(n.children))
		for c := range n.children {
			keys = append(keys, c)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		return keys
	}
	next := uint64(headerSize)
	var layout func(n *testNode)
	layout = func(n *testNode) {
		offsets[n] = next
		order = append(order, n)
		next += nodeSize + uint64(len(n.children))*childSize + uint64(len(n.values))*valueSize
		for _, c := range sorted(n) {
			layout(n.children[c])
		}
	}
	layout(t.root)
	nodesEnd := next

	// strings start with a NUL so that no real string lives at offset 0 of
	// the section
	strs := []byte{0}
	strOff := make(map[string]uint64)
	intern := func(s string) uint64 {
		if off, ok := strOff[s]; ok {
			return off
		}
		off := nodesEnd + uint64(len(strs))
		strs = append(strs, s...)
		strs = append(strs, 0)
		strOff[s] = off
		return off
	}

	le := binary.LittleEndian
	nodes := make([]byte, 0, nodesEnd-headerSize)
	for _, n := range order {
		buf := make([]byte, nodeSize)
		le.PutUint64(buf[0:], intern(n.prefix))
		buf[8] = byte(len(n.children))
		le.PutUint64(buf[16:], uint64(len(n.values)))
		for _, c := range sorted(n) {
			entry := make([]byte, childSize)
			entry[0] = c
			le.PutUint64(entry[8:], offsets[n.children[c]])
			buf = append(buf, entry...)
		}
		for _, v := range n.values {
			entry := make([]byte, valueSize)
			le.PutUint64(entry[0:], intern(v.key))
			le.PutUint64(entry[8:], intern(v.value))
			le.PutUint64(entry[16:], intern("test.hwdb"))
			le.PutUint32(entry[24:], v.line)
			le.PutUint16(entry[28:], v.priority)
			buf = append(buf, entry...)
		}
		nodes = append(nodes, buf...)
	}

	size := uint64(headerSize) + uint64(len(nodes)) + uint64(len(strs))
	head := make([]byte, headerSize)
	copy(head, Signature)
	le.PutUint64(head[8:], 255)
	le.PutUint64(head[16:], size)
	le.PutUint64(head[24:], headerSize)
	le.PutUint64(head[32:], nodeSize)
	le.PutUint64(head[40:], childSize)
	le.PutUint64(head[48:], valueSize)
	le.PutUint64(head[56:], offsets[t.root])
	le.PutUint64(head[64:], uint64(len(nodes)))
	le.PutUint64(head[72:], uint64(len(strs)))

	out := append(head, nodes...)
	return append(out, strs...)
}
