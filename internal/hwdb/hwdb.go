// Package hwdb reads the compiled hardware database (hwdb.bin) and looks up
// the properties it assigns to a modalias.
//
// The file is a trie of NUL-terminated strings. Every node carries a prefix,
// children sorted by their first character and the values of the patterns
// ending at it. Patterns may contain shell globs, so a lookup follows the
// exact path through the trie and in addition tries every glob child.
package hwdb

import (
	"bytes"
	"encoding/binary"
	goerrors "errors"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/agilira/go-errors"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/udevfs/internal/deverr"
)

const (
	Signature = "KSLPHHRH"
	EnvPath   = "UDEV_HWDB_BIN"

	headerSize     = 80
	minNodeSize    = 24
	minChildSize   = 16
	minValueSize   = 16
	valueEntrySize = 32 // values carrying file priority and line number
)

// DefaultPaths lists the locations tried by Open when none are given:
// $UDEV_HWDB_BIN if set, then the system and vendor databases.
func DefaultPaths() []string {
	paths := []string{"/etc/udev/hwdb.bin", "/usr/lib/udev/hwdb.bin"}
	if env := os.Getenv(EnvPath); env != "" {
		paths = append([]string{env}, paths...)
	}
	return paths
}

type Header struct {
	ToolVersion    uint64
	FileSize       uint64
	HeaderSize     uint64
	NodeSize       uint64
	ChildEntrySize uint64
	ValueEntrySize uint64
	NodesRootOff   uint64
	NodesLen       uint64
	StringsLen     uint64
}

// Database is one loaded hwdb.bin. It is immutable and safe for concurrent
// lookups.
type Database struct {
	path string
	data []byte
	head Header
}

// Open loads the first existing database among paths, DefaultPaths if none
// are given. Paths that do not exist are skipped; any other failure stops the
// search.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths()
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		db, err := Load(p)
		if err == nil {
			return db, nil
		}
		if !deverr.Is(err, deverr.CodeNotFound) {
			return nil, err
		}
		klog.V(4).Infof("No hardware database at %s", p)
	}
	return nil, errors.New(deverr.CodeNotFound, "no hardware database found").
		WithContext("paths", strings.Join(paths, ":"))
}

// Load reads and validates the database at p.
func Load(p string) (*Database, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		switch {
		case goerrors.Is(err, fs.ErrNotExist):
			return nil, errors.Wrap(err, deverr.CodeNotFound, "hardware database does not exist").
				WithContext("path", p)
		case goerrors.Is(err, fs.ErrPermission):
			return nil, errors.Wrap(err, deverr.CodePermissionDenied, "hardware database not readable").
				WithContext("path", p)
		default:
			return nil, errors.Wrap(err, deverr.CodeCorruptDatabase, "failed to read hardware database").
				WithContext("path", p)
		}
	}
	db, err := Parse(data)
	if err != nil {
		return nil, err
	}
	db.path = p

	klog.V(4).Infof("Loaded hardware database %s: tool version %d, %d bytes, %d bytes of nodes, %d bytes of strings",
		p, db.head.ToolVersion, db.head.FileSize, db.head.NodesLen, db.head.StringsLen)
	return db, nil
}

// Parse validates an in-memory database image. data is retained.
func Parse(data []byte) (*Database, error) {
	if len(data) < headerSize || string(data[:len(Signature)]) != Signature {
		return nil, corrupt("bad signature", len(data))
	}
	le := binary.LittleEndian
	head := Header{
		ToolVersion:    le.Uint64(data[8:]),
		FileSize:       le.Uint64(data[16:]),
		HeaderSize:     le.Uint64(data[24:]),
		NodeSize:       le.Uint64(data[32:]),
		ChildEntrySize: le.Uint64(data[40:]),
		ValueEntrySize: le.Uint64(data[48:]),
		NodesRootOff:   le.Uint64(data[56:]),
		NodesLen:       le.Uint64(data[64:]),
		StringsLen:     le.Uint64(data[72:]),
	}
	switch {
	case head.FileSize != uint64(len(data)):
		return nil, corrupt("file size does not match header", head.FileSize)
	case head.HeaderSize < headerSize || head.HeaderSize > head.FileSize:
		return nil, corrupt("bad header size", head.HeaderSize)
	case head.NodeSize < minNodeSize:
		return nil, corrupt("bad node size", head.NodeSize)
	case head.ChildEntrySize < minChildSize:
		return nil, corrupt("bad child entry size", head.ChildEntrySize)
	case head.ValueEntrySize < minValueSize:
		return nil, corrupt("bad value entry size", head.ValueEntrySize)
	case head.NodesRootOff < head.HeaderSize || head.NodesRootOff >= head.FileSize:
		return nil, corrupt("root node out of bounds", head.NodesRootOff)
	}
	return &Database{data: data, head: head}, nil
}

func corrupt(msg string, value any) error {
	return errors.New(deverr.CodeCorruptDatabase, msg).WithContext("value", value)
}

func (db *Database) Path() string {
	return db.path
}

func (db *Database) Header() Header {
	return db.head
}

// Lookup returns the properties of every pattern matching modalias. When two
// patterns set the same key, the value from the file of higher priority wins,
// then the one defined later.
func (db *Database) Lookup(modalias string) (map[string]string, error) {
	s := &search{
		reader: reader{data: db.data, head: &db.head},
		found:  make(map[string]entry),
	}
	s.run(modalias)
	if s.err != nil {
		return nil, s.err
	}

	props := make(map[string]string, len(s.found))
	for key, e := range s.found {
		props[key] = e.value
	}
	return props, nil
}

// reader decodes trie structures. The first out-of-bounds access is kept in
// err and every later access returns zero values.
type reader struct {
	data []byte
	head *Header
	err  error
}

func (r *reader) bytes(off, n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if off > uint64(len(r.data)) || n > uint64(len(r.data))-off {
		r.err = corrupt("offset out of bounds", off)
		return nil
	}
	return r.data[off : off+n]
}

func (r *reader) u64(off uint64) uint64 {
	if b := r.bytes(off, 8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) u32(off uint64) uint32 {
	if b := r.bytes(off, 4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u16(off uint64) uint16 {
	if b := r.bytes(off, 2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u8(off uint64) byte {
	if b := r.bytes(off, 1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) str(off uint64) string {
	if off == 0 || r.err != nil {
		return ""
	}
	if off >= uint64(len(r.data)) {
		r.err = corrupt("string out of bounds", off)
		return ""
	}
	rest := r.data[off:]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		r.err = corrupt("unterminated string", off)
		return ""
	}
	return string(rest[:end])
}

type node struct {
	off         uint64
	prefixOff   uint64
	children    uint64
	valuesCount uint64
}

func (r *reader) node(off uint64) *node {
	n := &node{
		off:         off,
		prefixOff:   r.u64(off),
		children:    uint64(r.u8(off + 8)),
		valuesCount: r.u64(off + 16),
	}
	if r.err != nil {
		return nil
	}
	return n
}

func (r *reader) childAt(n *node, i uint64) (byte, uint64) {
	off := n.off + r.head.NodeSize + i*r.head.ChildEntrySize
	return r.u8(off), r.u64(off + 8)
}

// child finds the child of n reached by c. Children are sorted by c.
func (r *reader) child(n *node, c byte) *node {
	i := sort.Search(int(n.children), func(i int) bool {
		ch, _ := r.childAt(n, uint64(i))
		return ch >= c
	})
	if i >= int(n.children) {
		return nil
	}
	ch, off := r.childAt(n, uint64(i))
	if ch != c || r.err != nil {
		return nil
	}
	return r.node(off)
}

type entry struct {
	value    string
	priority uint16
	line     uint32
}

func (r *reader) value(n *node, i uint64) (string, entry) {
	off := n.off + r.head.NodeSize + n.children*r.head.ChildEntrySize + i*r.head.ValueEntrySize
	key := r.str(r.u64(off))
	e := entry{value: r.str(r.u64(off + 8))}
	if r.head.ValueEntrySize >= valueEntrySize {
		e.line = r.u32(off + 24)
		e.priority = r.u16(off + 28)
	}
	return key, e
}

type search struct {
	reader
	glob  []byte
	found map[string]entry
}

func isGlob(c byte) bool {
	return c == '*' || c == '?' || c == '['
}

func (s *search) run(key string) {
	n := s.node(s.head.NodesRootOff)
	i := 0
	for n != nil && s.err == nil {
		prefix := s.str(n.prefixOff)
		for p := 0; p < len(prefix); p++ {
			if isGlob(prefix[p]) {
				s.fnmatch(n, p, key[i+p:])
				return
			}
			if i+p >= len(key) || prefix[p] != key[i+p] {
				return
			}
		}
		i += len(prefix)

		for _, c := range []byte{'*', '?', '['} {
			if child := s.child(n, c); child != nil {
				s.glob = append(s.glob, c)
				s.fnmatch(child, 0, key[i:])
				s.glob = s.glob[:len(s.glob)-1]
			}
		}

		if i >= len(key) {
			s.addValues(n)
			return
		}
		n = s.child(n, key[i])
		i++
	}
}

// fnmatch collects the full pattern below n, starting at offset p of its
// prefix, and matches every complete pattern against rest.
func (s *search) fnmatch(n *node, p int, rest string) {
	prefix := s.str(n.prefixOff)[p:]
	s.glob = append(s.glob, prefix...)

	for i := uint64(0); i < n.children && s.err == nil; i++ {
		c, off := s.childAt(n, i)
		child := s.node(off)
		if child == nil {
			break
		}
		s.glob = append(s.glob, c)
		s.fnmatch(child, 0, rest)
		s.glob = s.glob[:len(s.glob)-1]
	}

	if n.valuesCount > 0 && match(string(s.glob), rest) {
		s.addValues(n)
	}
	s.glob = s.glob[:len(s.glob)-len(prefix)]
}

func (s *search) addValues(n *node) {
	for i := uint64(0); i < n.valuesCount && s.err == nil; i++ {
		key, e := s.value(n, i)
		// keys without the leading space are reserved for future use
		name, ok := strings.CutPrefix(key, " ")
		if !ok {
			continue
		}
		if old, found := s.found[name]; found {
			if old.priority > e.priority || (old.priority == e.priority && old.line > e.line) {
				continue
			}
		}
		s.found[name] = e
	}
}

// match is fnmatch(3) without flags: unlike path.Match, '*' and '?' also
// match '/', which modaliases built from DMI strings may contain.
func match(pattern, name string) bool {
	ok, err := path.Match(globPattern(pattern), strings.ReplaceAll(name, "/", "\x00"))
	return err == nil && ok
}

// globPattern rewrites an fnmatch pattern into path.Match syntax: '/' turns
// into NUL, a bracket set is negated with '^' rather than '!', and a ']'
// right after the opening bracket is a literal.
func globPattern(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern) + 2)
	inSet := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			i++
			b.WriteByte(c)
			if pattern[i] == '/' {
				b.WriteByte(0)
			} else {
				b.WriteByte(pattern[i])
			}
		case c == '/':
			b.WriteByte(0)
		case c == '[' && !inSet:
			inSet = true
			b.WriteByte(c)
			if i+1 < len(pattern) && (pattern[i+1] == '!' || pattern[i+1] == '^') {
				i++
				b.WriteByte('^')
			}
			if i+1 < len(pattern) && pattern[i+1] == ']' {
				i++
				b.WriteString("\\]")
			}
		case c == ']' && inSet:
			inSet = false
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
