package policy

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"rampart.dev/internal/rbac"
)

// ErrUnsupportedFormat is returned for files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("policy: unsupported document format")

// Digest is a keyed BLAKE3 hash of a document's raw bytes.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// digestKey separates policy digests from any other BLAKE3 use. ASCII
// "rampart.policy.document", zero padded to 32 bytes.
var digestKey = [32]byte{
	'r', 'a', 'm', 'p', 'a', 'r', 't', '.', 'p', 'o', 'l', 'i', 'c', 'y', '.',
	'd', 'o', 'c', 'u', 'm', 'e', 'n', 't',
}

// Sum returns the document digest of data.
func Sum(data []byte) Digest {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("policy: blake3 keyed hash: " + err.Error())
	}
	h.Write(data)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Load reads and decodes the document at path. The format follows the
// extension: .yaml and .yml for YAML, .toml for TOML.
func Load(path string) (Document, Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, Digest{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	doc, err := Decode(filepath.Ext(path), data)
	if err != nil {
		return Document{}, Digest{}, fmt.Errorf("policy: %s: %w", path, err)
	}
	return doc, Sum(data), nil
}

// Decode parses data in the format named by ext. Unknown keys are
// rejected in both formats.
func Decode(ext string, data []byte) (Document, error) {
	var doc Document
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return Document{}, fmt.Errorf("%w: %v", rbac.ErrInvalidInput, err)
		}
	case "toml":
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return Document{}, fmt.Errorf("%w: %v", rbac.ErrInvalidInput, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Document{}, fmt.Errorf("%w: unknown key %s", rbac.ErrInvalidInput, undecoded[0])
		}
	default:
		return Document{}, fmt.Errorf("%w %q", ErrUnsupportedFormat, ext)
	}
	return doc, nil
}

// Apply converts doc and replaces e's state with it. Each prepare hook may
// amend the dataset first, for example to seed administrative permissions.
// On error the engine keeps its previous state.
func Apply(ctx context.Context, e *rbac.Engine, doc Document, prepare ...func(*rbac.Dataset)) error {
	if doc.Tenant != "" && doc.Tenant != e.Tenant() {
		return fmt.Errorf("%w: document is for tenant %q, engine serves %q", rbac.ErrInvalidInput, doc.Tenant, e.Tenant())
	}
	ds, err := doc.Dataset()
	if err != nil {
		return err
	}
	for _, fn := range prepare {
		fn(&ds)
	}
	return e.Replace(ctx, ds)
}
