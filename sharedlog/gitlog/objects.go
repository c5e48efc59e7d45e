package gitlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/pkg/errors"

	"github.com/chn0318/replog/sharedlog"
)

const (
	entryFile     = "op"
	branchPrefix  = "refs/heads/actor-"
	appliedPrefix = "refs/applied/"
)

// Entry commits carry no wall-clock data: a commit is a function of the
// entry and its parent only, so every replica that rebuilds an entry
// arrives at the same hash.
var entrySignature = object.Signature{
	Name:  "replog",
	Email: "replog@localhost",
	When:  time.Unix(0, 0).UTC(),
}

type entry[A comparable, O any] struct {
	hash plumbing.Hash
	op   sharedlog.TaggedOp[A, O]
}

// actorKey is the ref-safe name of an actor: hex of its JSON encoding.
func actorKey[A comparable](actor A) (string, error) {
	raw, err := json.Marshal(actor)
	if err != nil {
		return "", errors.Wrap(err, "encode actor")
	}
	return hex.EncodeToString(raw), nil
}

func branchRef(key string) plumbing.ReferenceName {
	return plumbing.ReferenceName(branchPrefix + key)
}

func appliedRef(key string) plumbing.ReferenceName {
	return plumbing.ReferenceName(appliedPrefix + key)
}

func writeEntry[A comparable, O any](s storer.EncodedObjectStorer, key string, t sharedlog.TaggedOp[A, O], parent plumbing.Hash) (plumbing.Hash, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "encode entry")
	}

	blob := s.NewEncodedObject()
	blob.SetType(plumbing.BlobObject)
	blob.SetSize(int64(len(raw)))
	w, err := blob.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	blobHash, err := s.SetEncodedObject(blob)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store blob")
	}

	tree := &object.Tree{Entries: []object.TreeEntry{
		{Name: entryFile, Mode: filemode.Regular, Hash: blobHash},
	}}
	treeObj := s.NewEncodedObject()
	if err := tree.Encode(treeObj); err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash, err := s.SetEncodedObject(treeObj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store tree")
	}

	commit := &object.Commit{
		Author:    entrySignature,
		Committer: entrySignature,
		Message:   fmt.Sprintf("entry %s:%d\n", key, t.Dot.Counter),
		TreeHash:  treeHash,
	}
	if !parent.IsZero() {
		commit.ParentHashes = []plumbing.Hash{parent}
	}
	commitObj := s.NewEncodedObject()
	if err := commit.Encode(commitObj); err != nil {
		return plumbing.ZeroHash, err
	}
	h, err := s.SetEncodedObject(commitObj)
	if err != nil {
		return plumbing.ZeroHash, errors.Wrap(err, "store commit")
	}
	return h, nil
}

// readEntry decodes the entry stored at h and returns it with its parent.
func readEntry[A comparable, O any](s storer.EncodedObjectStorer, h plumbing.Hash) (entry[A, O], plumbing.Hash, error) {
	c, err := object.GetCommit(s, h)
	if err != nil {
		return entry[A, O]{}, plumbing.ZeroHash, errors.Wrapf(err, "read commit %s", h)
	}
	f, err := c.File(entryFile)
	if err != nil {
		return entry[A, O]{}, plumbing.ZeroHash, errors.Wrapf(err, "read entry of %s", h)
	}
	raw, err := f.Contents()
	if err != nil {
		return entry[A, O]{}, plumbing.ZeroHash, err
	}

	e := entry[A, O]{hash: h}
	if err := json.Unmarshal([]byte(raw), &e.op); err != nil {
		return entry[A, O]{}, plumbing.ZeroHash, errors.Wrapf(err, "decode entry of %s", h)
	}
	return e, parentOf(c), nil
}

func parentOf(c *object.Commit) plumbing.Hash {
	if len(c.ParentHashes) == 0 {
		return plumbing.ZeroHash
	}
	return c.ParentHashes[0]
}

func hasObject(s storer.EncodedObjectStorer, h plumbing.Hash) bool {
	return s.HasEncodedObject(h) == nil
}

// isAncestor walks desc's first-parent chain looking for anc.
func isAncestor(s storer.EncodedObjectStorer, anc, desc plumbing.Hash) (bool, error) {
	for h := desc; !h.IsZero(); {
		if h == anc {
			return true, nil
		}
		c, err := object.GetCommit(s, h)
		if err != nil {
			return false, errors.Wrapf(err, "read commit %s", h)
		}
		h = parentOf(c)
	}
	return anc.IsZero(), nil
}

// copyEntry copies the blob, tree and commit of entry h from src to dst, in
// that order.
func copyEntry(dst, src storer.EncodedObjectStorer, h plumbing.Hash) error {
	c, err := object.GetCommit(src, h)
	if err != nil {
		return errors.Wrapf(err, "read commit %s", h)
	}
	tree, err := c.Tree()
	if err != nil {
		return errors.Wrapf(err, "read tree of %s", h)
	}
	for _, te := range tree.Entries {
		if err := copyObject(dst, src, te.Hash); err != nil {
			return err
		}
	}
	if err := copyObject(dst, src, c.TreeHash); err != nil {
		return err
	}
	return copyObject(dst, src, h)
}

func copyObject(dst, src storer.EncodedObjectStorer, h plumbing.Hash) error {
	if hasObject(dst, h) {
		return nil
	}
	obj, err := src.EncodedObject(plumbing.AnyObject, h)
	if err != nil {
		return errors.Wrapf(err, "read object %s", h)
	}
	r, err := obj.Reader()
	if err != nil {
		return err
	}
	defer r.Close()

	out := dst.NewEncodedObject()
	out.SetType(obj.Type())
	out.SetSize(obj.Size())
	w, err := out.Writer()
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	got, err := dst.SetEncodedObject(out)
	if err != nil {
		return errors.Wrapf(err, "store object %s", h)
	}
	if got != h {
		return errors.Errorf("object %s copied as %s", h, got)
	}
	return nil
}
