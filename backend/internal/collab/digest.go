package collab

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/braid-org/braid-text-sub000/backend/internal/ot/delta"
	"github.com/braid-org/braid-text-sub000/backend/internal/patch"
)

// Digest 返回 text 的 Repr-Digest 值
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "sha-256=:" + base64.StdEncoding.EncodeToString(sum[:]) + ":"
}

// sha256Of 从 "sha-256=:...:, md5=:...:" 里取出 sha-256 一项；没有时返回 false
func sha256Of(header string) (string, bool) {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		algo, val, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(algo), "sha-256") {
			continue
		}
		return strings.Trim(strings.TrimSpace(val), ":"), true
	}
	return "", false
}

// verifyDigest 在 base 上重放 patches（相对 base 的坐标），比对结果的 sha-256
func verifyDigest(base string, patches []patch.Patch, want string) error {
	expected, ok := sha256Of(want)
	if !ok {
		return nil
	}
	var buf Buffer = NewPieceTable(base)
	if err := buf.Apply(delta.FromPatches(patches)); err != nil {
		return err
	}
	got, _ := sha256Of(Digest(buf.String()))
	if got != expected {
		return ErrContentIntegrity
	}
	return nil
}
