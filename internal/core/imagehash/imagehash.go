// Package imagehash computes content hashes of decoded images so the same
// picture hashes identically whether it came from the generator or an upload.
package imagehash

import (
	"encoding/binary"
	"encoding/hex"
	"image"

	"github.com/disintegration/imaging"
	"golang.org/x/crypto/blake2b"
)

// Sum returns the hex blake2b-256 digest of the image's NRGBA pixels and size.
func Sum(img image.Image) string {
	nrgba := imaging.Clone(img)
	b := nrgba.Bounds()

	h, _ := blake2b.New256(nil)
	var size [8]byte
	binary.BigEndian.PutUint32(size[:4], uint32(b.Dx()))
	binary.BigEndian.PutUint32(size[4:], uint32(b.Dy()))
	h.Write(size[:])
	h.Write(nrgba.Pix)
	return hex.EncodeToString(h.Sum(nil))
}

// SumAll hashes every image in order.
func SumAll(imgs []image.Image) []string {
	out := make([]string, len(imgs))
	for i, img := range imgs {
		out[i] = Sum(img)
	}
	return out
}
