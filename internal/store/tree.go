// Copyright 2022 Namespace Labs Inc; All rights reserved.
// Licensed under the EARLY ACCESS SOFTWARE LICENSE AGREEMENT
// available at http://github.com/namespacelabs/foundation

package store

import (
	"context"
	"path"
	"sort"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"namespacelabs.dev/buildgraph/internal/fnerrors"
	"namespacelabs.dev/buildgraph/schema"
)

// File is a file to be recorded in a tree, with its contents. A File with a SymlinkTarget
// is a symlink, and has no contents.
type File struct {
	Path          string
	Contents      []byte
	IsExecutable  bool
	SymlinkTarget string
}

// FileEntry is a file or symlink within a recorded tree. Symlinks have a SymlinkTarget and
// no Digest.
type FileEntry struct {
	Path          string
	Digest        schema.Digest
	IsExecutable  bool
	SymlinkTarget string
}

func (e FileEntry) IsSymlink() bool { return e.SymlinkTarget != "" }

type treeNode struct {
	files    map[string]*repb.FileNode
	symlinks map[string]*repb.SymlinkNode
	dirs     map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{files: map[string]*repb.FileNode{}, symlinks: map[string]*repb.SymlinkNode{}, dirs: map[string]*treeNode{}}
}

func cleanPath(p string) (string, error) {
	if path.IsAbs(p) {
		return "", fnerrors.BadInputError("%s: paths must be relative", p)
	}

	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fnerrors.BadInputError("%s: paths may not escape the tree", p)
	}

	return clean, nil
}

func join(dir, name string) string {
	if dir == "" || dir == "." {
		return name
	}
	return dir + "/" + name
}

// dir returns the directory node at rel, creating it as needed.
func (n *treeNode) dir(rel string) (*treeNode, error) {
	if rel == "." || rel == "" {
		return n, nil
	}

	cur := n
	var walked string
	for _, part := range strings.Split(rel, "/") {
		walked = join(walked, part)
		if _, ok := cur.files[part]; ok {
			return nil, &fnerrors.DuplicateEntryError{Path: walked}
		}
		if _, ok := cur.symlinks[part]; ok {
			return nil, &fnerrors.DuplicateEntryError{Path: walked}
		}

		next, ok := cur.dirs[part]
		if !ok {
			next = newTreeNode()
			cur.dirs[part] = next
		}
		cur = next
	}

	return cur, nil
}

func (n *treeNode) addFile(p string, file *repb.FileNode) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}

	parent, err := n.dir(path.Dir(clean))
	if err != nil {
		return err
	}

	name := path.Base(clean)
	if _, ok := parent.dirs[name]; ok {
		return &fnerrors.DuplicateEntryError{Path: clean}
	}
	if _, ok := parent.symlinks[name]; ok {
		return &fnerrors.DuplicateEntryError{Path: clean}
	}

	if existing, ok := parent.files[name]; ok {
		if proto.Equal(existing.GetDigest(), file.GetDigest()) && existing.GetIsExecutable() == file.GetIsExecutable() {
			return nil
		}
		return &fnerrors.DuplicateEntryError{Path: clean}
	}

	parent.files[name] = &repb.FileNode{Name: name, Digest: file.GetDigest(), IsExecutable: file.GetIsExecutable()}
	return nil
}

func (n *treeNode) addSymlink(p, target string) error {
	clean, err := cleanPath(p)
	if err != nil {
		return err
	}

	parent, err := n.dir(path.Dir(clean))
	if err != nil {
		return err
	}

	name := path.Base(clean)
	if _, ok := parent.dirs[name]; ok {
		return &fnerrors.DuplicateEntryError{Path: clean}
	}
	if _, ok := parent.files[name]; ok {
		return &fnerrors.DuplicateEntryError{Path: clean}
	}
	if existing, ok := parent.symlinks[name]; ok && existing.GetTarget() != target {
		return &fnerrors.DuplicateEntryError{Path: clean}
	}

	parent.symlinks[name] = &repb.SymlinkNode{Name: name, Target: target}
	return nil
}

// merge copies every entry of other into n, at prefix.
func (n *treeNode) merge(prefix string, other *treeNode) error {
	target, err := n.dir(prefix)
	if err != nil {
		return err
	}

	for name, f := range other.files {
		if err := target.addFile(name, f); err != nil {
			return prefixed(prefix, err)
		}
	}

	for name, l := range other.symlinks {
		if err := target.addSymlink(name, l.GetTarget()); err != nil {
			return prefixed(prefix, err)
		}
	}

	for name, child := range other.dirs {
		if err := target.merge(name, child); err != nil {
			return prefixed(prefix, err)
		}
	}

	return nil
}

func prefixed(prefix string, err error) error {
	if dup, ok := err.(*fnerrors.DuplicateEntryError); ok && prefix != "" && prefix != "." {
		return &fnerrors.DuplicateEntryError{Path: join(prefix, dup.Path)}
	}
	return err
}

// RecordDirectory stores a Directory in canonical form, and returns its digest.
func (s *Store) RecordDirectory(ctx context.Context, dir *repb.Directory) (schema.Digest, error) {
	canonical := proto.Clone(dir).(*repb.Directory)
	sort.Slice(canonical.Files, func(i, j int) bool { return canonical.Files[i].Name < canonical.Files[j].Name })
	sort.Slice(canonical.Directories, func(i, j int) bool { return canonical.Directories[i].Name < canonical.Directories[j].Name })
	sort.Slice(canonical.Symlinks, func(i, j int) bool { return canonical.Symlinks[i].Name < canonical.Symlinks[j].Name })

	serialized, _, err := schema.DigestOfProto(canonical)
	if err != nil {
		return schema.Digest{}, err
	}

	return s.StoreBytes(ctx, serialized)
}

// LoadDirectory returns the Directory stored under d.
func (s *Store) LoadDirectory(ctx context.Context, d schema.Digest) (*repb.Directory, error) {
	serialized, err := s.LoadBytes(ctx, d)
	if err != nil {
		return nil, err
	}

	dir := &repb.Directory{}
	if err := proto.Unmarshal(serialized, dir); err != nil {
		return nil, fnerrors.BadInputError("%s: not a directory: %w", d, err)
	}

	return dir, nil
}

func (s *Store) record(ctx context.Context, n *treeNode) (schema.Digest, error) {
	dir := &repb.Directory{}
	for _, f := range n.files {
		dir.Files = append(dir.Files, f)
	}
	for _, l := range n.symlinks {
		dir.Symlinks = append(dir.Symlinks, l)
	}
	for name, child := range n.dirs {
		d, err := s.record(ctx, child)
		if err != nil {
			return schema.Digest{}, err
		}
		dir.Directories = append(dir.Directories, &repb.DirectoryNode{Name: name, Digest: d.Proto()})
	}

	return s.RecordDirectory(ctx, dir)
}

func (s *Store) loadTree(ctx context.Context, root schema.Digest) (*treeNode, error) {
	dir, err := s.LoadDirectory(ctx, root)
	if err != nil {
		return nil, err
	}

	n := newTreeNode()
	for _, f := range dir.Files {
		n.files[f.Name] = f
	}

	for _, l := range dir.Symlinks {
		n.symlinks[l.Name] = l
	}

	for _, child := range dir.Directories {
		d, err := schema.FromProto(child.Digest)
		if err != nil {
			return nil, err
		}

		n.dirs[child.Name], err = s.loadTree(ctx, d)
		if err != nil {
			return nil, err
		}
	}

	return n, nil
}

// RecordTree stores each of the files and symlinks, and the directories that contain them, returning
// the digest of the root directory. Identical trees always yield the same digest.
func (s *Store) RecordTree(ctx context.Context, files []File) (schema.Digest, error) {
	root := newTreeNode()
	for _, f := range files {
		if f.SymlinkTarget != "" {
			if err := root.addSymlink(f.Path, f.SymlinkTarget); err != nil {
				return schema.Digest{}, err
			}
			continue
		}

		d, err := s.StoreBytes(ctx, f.Contents)
		if err != nil {
			return schema.Digest{}, err
		}

		if err := root.addFile(f.Path, &repb.FileNode{Digest: d.Proto(), IsExecutable: f.IsExecutable}); err != nil {
			return schema.Digest{}, err
		}
	}

	return s.record(ctx, root)
}

// RecordEntries records a tree of files whose contents are already stored.
func (s *Store) RecordEntries(ctx context.Context, entries []FileEntry) (schema.Digest, error) {
	root := newTreeNode()
	for _, e := range entries {
		if e.IsSymlink() {
			if err := root.addSymlink(e.Path, e.SymlinkTarget); err != nil {
				return schema.Digest{}, err
			}
			continue
		}

		if err := root.addFile(e.Path, &repb.FileNode{Digest: e.Digest.Proto(), IsExecutable: e.IsExecutable}); err != nil {
			return schema.Digest{}, err
		}
	}

	return s.record(ctx, root)
}

// Walk calls f for every file and symlink in the tree rooted at root, in lexicographic
// order. Symlinks are not followed.
func (s *Store) Walk(ctx context.Context, root schema.Digest, f func(FileEntry) error) error {
	return s.walk(ctx, "", root, f)
}

func (s *Store) walk(ctx context.Context, prefix string, d schema.Digest, f func(FileEntry) error) error {
	dir, err := s.LoadDirectory(ctx, d)
	if err != nil {
		return err
	}

	type entry struct {
		name    string
		file    *repb.FileNode
		symlink *repb.SymlinkNode
		child   *repb.DirectoryNode
	}

	var entries []entry
	for _, file := range dir.Files {
		entries = append(entries, entry{name: file.Name, file: file})
	}
	for _, l := range dir.Symlinks {
		entries = append(entries, entry{name: l.Name, symlink: l})
	}
	for _, child := range dir.Directories {
		entries = append(entries, entry{name: child.Name, child: child})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	for _, e := range entries {
		if e.symlink != nil {
			if err := f(FileEntry{Path: join(prefix, e.name), SymlinkTarget: e.symlink.Target}); err != nil {
				return err
			}
			continue
		}

		if e.file != nil {
			fd, err := schema.FromProto(e.file.Digest)
			if err != nil {
				return err
			}
			if err := f(FileEntry{Path: join(prefix, e.name), Digest: fd, IsExecutable: e.file.IsExecutable}); err != nil {
				return err
			}
			continue
		}

		cd, err := schema.FromProto(e.child.Digest)
		if err != nil {
			return err
		}
		if err := s.walk(ctx, join(prefix, e.name), cd, f); err != nil {
			return err
		}
	}

	return nil
}

// Contents returns every file in the tree along with its contents, and every symlink with
// its target.
func (s *Store) Contents(ctx context.Context, root schema.Digest) ([]File, error) {
	var files []File
	if err := s.Walk(ctx, root, func(e FileEntry) error {
		if e.IsSymlink() {
			files = append(files, File{Path: e.Path, SymlinkTarget: e.SymlinkTarget})
			return nil
		}

		contents, err := s.LoadBytes(ctx, e.Digest)
		if err != nil {
			return err
		}
		files = append(files, File{Path: e.Path, Contents: contents, IsExecutable: e.IsExecutable})
		return nil
	}); err != nil {
		return nil, err
	}
	return files, nil
}

// ExpandDigests returns the digest of every directory and file reachable from root,
// including root itself.
func (s *Store) ExpandDigests(ctx context.Context, root schema.Digest) ([]schema.Digest, error) {
	seen := map[schema.Digest]struct{}{}
	var res []schema.Digest

	var expand func(schema.Digest) error
	expand = func(d schema.Digest) error {
		if _, ok := seen[d]; ok {
			return nil
		}
		seen[d] = struct{}{}
		res = append(res, d)

		dir, err := s.LoadDirectory(ctx, d)
		if err != nil {
			return err
		}

		for _, f := range dir.Files {
			fd, err := schema.FromProto(f.Digest)
			if err != nil {
				return err
			}
			if _, ok := seen[fd]; !ok {
				seen[fd] = struct{}{}
				res = append(res, fd)
			}
		}

		for _, child := range dir.Directories {
			cd, err := schema.FromProto(child.Digest)
			if err != nil {
				return err
			}
			if err := expand(cd); err != nil {
				return err
			}
		}

		return nil
	}

	if err := expand(root); err != nil {
		return nil, err
	}

	return res, nil
}

// EnsureRemoteTree uploads root and everything it references to the remote store.
func (s *Store) EnsureRemoteTree(ctx context.Context, root schema.Digest) error {
	if s.remote == nil {
		return nil
	}

	digests, err := s.ExpandDigests(ctx, root)
	if err != nil {
		return err
	}

	if err := s.EnsureLocalMany(ctx, digests); err != nil {
		return err
	}

	return s.EnsureRemote(ctx, digests)
}

// EnsureLocalTree fetches root and everything it references into the local store.
func (s *Store) EnsureLocalTree(ctx context.Context, root schema.Digest) error {
	// Expanding fetches every directory; what's left are the files.
	digests, err := s.ExpandDigests(ctx, root)
	if err != nil {
		return err
	}

	return s.EnsureLocalMany(ctx, digests)
}

// RecordRemoteTree stores the directories of a Tree message, and returns the digest of its root.
func (s *Store) RecordRemoteTree(ctx context.Context, tree *repb.Tree) (schema.Digest, error) {
	children := map[schema.Digest]*repb.Directory{}
	for _, child := range tree.GetChildren() {
		serialized, d, err := schema.DigestOfProto(child)
		if err != nil {
			return schema.Digest{}, err
		}
		children[d] = child
		if _, err := s.StoreBytes(ctx, serialized); err != nil {
			return schema.Digest{}, err
		}
	}

	var check func(*repb.Directory) error
	check = func(dir *repb.Directory) error {
		for _, child := range dir.GetDirectories() {
			cd, err := schema.FromProto(child.GetDigest())
			if err != nil {
				return err
			}
			if !s.local.Has(cd) {
				if _, ok := children[cd]; !ok {
					return fnerrors.BadInputError("%s: tree references a directory it doesn't contain", child.GetName())
				}
			}
			if c, ok := children[cd]; ok {
				if err := check(c); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := check(tree.GetRoot()); err != nil {
		return schema.Digest{}, err
	}

	if tree.GetRoot() == nil {
		return s.RecordDirectory(ctx, &repb.Directory{})
	}

	return s.RecordDirectory(ctx, tree.GetRoot())
}

// ToRemoteTree returns a Tree message with root and all of its descendants.
func (s *Store) ToRemoteTree(ctx context.Context, root schema.Digest) (*repb.Tree, error) {
	rootDir, err := s.LoadDirectory(ctx, root)
	if err != nil {
		return nil, err
	}

	tree := &repb.Tree{Root: rootDir}
	seen := map[schema.Digest]struct{}{}

	var collect func(*repb.Directory) error
	collect = func(dir *repb.Directory) error {
		for _, child := range dir.GetDirectories() {
			cd, err := schema.FromProto(child.GetDigest())
			if err != nil {
				return err
			}
			if _, ok := seen[cd]; ok {
				continue
			}
			seen[cd] = struct{}{}

			c, err := s.LoadDirectory(ctx, cd)
			if err != nil {
				return err
			}
			tree.Children = append(tree.Children, c)
			if err := collect(c); err != nil {
				return err
			}
		}
		return nil
	}

	if err := collect(rootDir); err != nil {
		return nil, err
	}

	return tree, nil
}

// AddPrefix returns a tree with the contents of root nested under prefix.
func (s *Store) AddPrefix(ctx context.Context, root schema.Digest, prefix string) (schema.Digest, error) {
	clean, err := cleanPath(prefix)
	if err != nil {
		return schema.Digest{}, err
	}

	if clean == "." {
		return root, nil
	}

	n, err := s.loadTree(ctx, root)
	if err != nil {
		return schema.Digest{}, err
	}

	result := newTreeNode()
	if err := result.merge(clean, n); err != nil {
		return schema.Digest{}, err
	}

	return s.record(ctx, result)
}

// Subtree returns the digest of the directory at p within root.
func (s *Store) Subtree(ctx context.Context, root schema.Digest, p string) (schema.Digest, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return schema.Digest{}, err
	}

	cur := root
	if clean == "." {
		return cur, nil
	}

	for _, part := range strings.Split(clean, "/") {
		dir, err := s.LoadDirectory(ctx, cur)
		if err != nil {
			return schema.Digest{}, err
		}

		var found bool
		for _, child := range dir.GetDirectories() {
			if child.GetName() == part {
				cur, err = schema.FromProto(child.GetDigest())
				if err != nil {
					return schema.Digest{}, err
				}
				found = true
				break
			}
		}

		if !found {
			return schema.Digest{}, &fnerrors.PathNotFoundError{Path: p}
		}
	}

	return cur, nil
}
