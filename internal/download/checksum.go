package download

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Checksum is an expected digest parsed from a manifest entry.
type Checksum struct {
	Algorithm string
	Hex       string
}

// ParseChecksum accepts "md5:<hex>", "sha256:<hex>" or bare hex, whose algorithm is inferred
// from its length. An empty string yields the zero Checksum.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}
	algo, sum, ok := strings.Cut(s, ":")
	if !ok {
		sum = s
		switch len(s) {
		case md5.Size * 2:
			algo = "md5"
		case sha256.Size * 2:
			algo = "sha256"
		default:
			return Checksum{}, fmt.Errorf("checksum %q: cannot infer algorithm", s)
		}
	}
	algo = strings.ToLower(algo)
	sum = strings.ToLower(sum)
	if algo != "md5" && algo != "sha256" {
		return Checksum{}, fmt.Errorf("checksum %q: unsupported algorithm", s)
	}
	if _, err := hex.DecodeString(sum); err != nil {
		return Checksum{}, fmt.Errorf("checksum %q: %w", s, err)
	}
	return Checksum{Algorithm: algo, Hex: sum}, nil
}

func (c Checksum) IsZero() bool { return c.Hex == "" }

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return c.Algorithm + ":" + c.Hex
}

// digester hashes a stream with every supported algorithm at once.
type digester struct {
	md5    hash.Hash
	sha256 hash.Hash
	n      int64
}

func newDigester() *digester {
	return &digester{md5: md5.New(), sha256: sha256.New()}
}

func (d *digester) Write(p []byte) (int, error) {
	d.md5.Write(p)
	d.sha256.Write(p)
	d.n += int64(len(p))
	return len(p), nil
}

func (d *digester) sum(algo string) string {
	if algo == "md5" {
		return hex.EncodeToString(d.md5.Sum(nil))
	}
	return hex.EncodeToString(d.sha256.Sum(nil))
}

// matches reports whether the digested content satisfies size and checksum.
// A non-positive size or a zero checksum is not checked.
func (d *digester) matches(size int64, want Checksum) error {
	if size > 0 && d.n != size {
		return fmt.Errorf("size %d, want %d", d.n, size)
	}
	if !want.IsZero() {
		if got := d.sum(want.Algorithm); got != want.Hex {
			return fmt.Errorf("%s %s, want %s", want.Algorithm, got, want.Hex)
		}
	}
	return nil
}

func digestFile(path string) (*digester, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := newDigester()
	if _, err := io.Copy(d, f); err != nil {
		return nil, err
	}
	return d, nil
}
