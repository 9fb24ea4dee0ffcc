package chain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"vmshift/internal/errkind"
)

// Extent is one data extent line from a text descriptor, e.g.
//
//	RW 4192256 SPARSE "disk-s001.vmdk"
type Extent struct {
	Access  string
	Sectors int64
	Type    string
	File    string
}

// Descriptor holds the fields of a parsed VMDK text descriptor that matter
// for chain walking.
type Descriptor struct {
	CID        string
	ParentCID  string
	ParentHint string // parentFileNameHint, relative to the descriptor
	CreateType string
	Extents    []Extent
}

const sectorSize = 512

// sparseMagic is the little-endian VMDK sparse header magic ("KDMV").
var sparseMagic = []byte{0x4b, 0x44, 0x4d, 0x56}

var (
	cidRe    = regexp.MustCompile(`(?i)^\s*(cid|parentcid)\s*[=:]\s*([0-9a-f]+)\s*$`)
	kvRe     = regexp.MustCompile(`^\s*([A-Za-z.][A-Za-z0-9._]*)\s*=\s*"?([^"]*)"?\s*$`)
	extentRe = regexp.MustCompile(`^\s*(RW|RDONLY|NOACCESS)\s+(\d+)\s+(\w+)\s+"([^"]+)"(?:\s+(\d+))?\s*$`)
)

// ParseDescriptor reads a VMDK text descriptor.
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	d := &Descriptor{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}

		if m := extentRe.FindStringSubmatch(line); m != nil {
			sectors, err := strconv.ParseInt(m[2], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad extent sector count %q: %w", m[2], err)
			}
			d.Extents = append(d.Extents, Extent{
				Access:  m[1],
				Sectors: sectors,
				Type:    m[3],
				File:    m[4],
			})
			continue
		}

		if m := cidRe.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "cid":
				d.CID = strings.ToLower(m[2])
			case "parentcid":
				d.ParentCID = strings.ToLower(m[2])
			}
			continue
		}

		if m := kvRe.FindStringSubmatch(line); m != nil {
			switch strings.ToLower(m[1]) {
			case "parentfilenamehint":
				d.ParentHint = m[2]
			case "createtype":
				d.CreateType = m[2]
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return d, nil
}

// HasParent reports whether the descriptor references a parent disk.
// parentCID=ffffffff marks a base disk even when a stale hint remains.
func (d *Descriptor) HasParent() bool {
	if d.ParentHint == "" {
		return false
	}
	return d.ParentCID != "" && d.ParentCID != "ffffffff"
}

// CapacityBytes is the summed extent capacity.
func (d *Descriptor) CapacityBytes() int64 {
	var sectors int64
	for _, e := range d.Extents {
		sectors += e.Sectors
	}
	return sectors * sectorSize
}

// LocalSource resolves chain nodes from descriptor files on the local
// filesystem. References are file paths; parent hints resolve relative to
// the referencing descriptor's directory.
type LocalSource struct{}

// Node implements Source.
func (LocalSource) Node(_ context.Context, ref string) (Node, error) {
	path, err := filepath.Abs(ref)
	if err != nil {
		return Node{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Node{}, fmt.Errorf("descriptor %s: %w", path, errkind.ErrChainIncomplete)
		}
		return Node{}, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Node{}, err
	}

	// Monolithic sparse files embed the descriptor after a binary header;
	// they are always chain leaves-without-parents for local resolution.
	if n == 4 && bytes.Equal(head, sparseMagic) {
		st, err := f.Stat()
		if err != nil {
			return Node{}, err
		}
		return Node{ID: path, Size: st.Size(), BackingPath: path}, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Node{}, err
	}
	desc, err := ParseDescriptor(f)
	if err != nil {
		return Node{}, fmt.Errorf("parse descriptor %s: %w", path, err)
	}
	if len(desc.Extents) == 0 {
		return Node{}, fmt.Errorf("descriptor %s has no extents: %w", path, errkind.ErrChainIncomplete)
	}

	dir := filepath.Dir(path)
	for _, e := range desc.Extents {
		extentPath := resolveRef(dir, e.File)
		if _, err := os.Stat(extentPath); err != nil {
			return Node{}, fmt.Errorf("extent %s of %s: %w", extentPath, path, errkind.ErrChainIncomplete)
		}
	}

	node := Node{
		ID:          path,
		Size:        desc.CapacityBytes(),
		BackingPath: path,
	}
	if desc.HasParent() {
		node.Parent = resolveRef(dir, desc.ParentHint)
	}
	return node, nil
}

func resolveRef(dir, ref string) string {
	if filepath.IsAbs(ref) {
		return filepath.Clean(ref)
	}
	return filepath.Join(dir, ref)
}
