package wefax

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestNormalizeStretches(t *testing.T) {
	pix := append(bytes.Repeat([]byte{10}, 50), bytes.Repeat([]byte{200}, 50)...)
	Normalize(pix)

	for i, v := range pix {
		if i < 50 {
			assert.Equal(t, byte(0), v)
		} else {
			assert.Equal(t, byte(255), v)
		}
	}
}

func TestNormalizeUniformLineUnchanged(t *testing.T) {
	pix := bytes.Repeat([]byte{128}, 100)
	Normalize(pix)
	assert.Equal(t, bytes.Repeat([]byte{128}, 100), pix)

	Normalize(nil)
}

func TestNormalizeMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		pix := rapid.SliceOfN(rapid.Byte(), 1, 400).Draw(t, "pix")
		orig := bytes.Clone(pix)
		Normalize(pix)

		for i := range orig {
			for j := range orig {
				if orig[i] <= orig[j] && pix[i] > pix[j] {
					t.Fatalf("order broken: %d<=%d became %d>%d", orig[i], orig[j], pix[i], pix[j])
				}
			}
		}
	})
}

func TestBilevelPixel(t *testing.T) {
	assert.Equal(t, byte(0), BilevelPixel(0))
	assert.Equal(t, byte(0), BilevelPixel(BilevelThreshold))
	assert.Equal(t, byte(255), BilevelPixel(BilevelThreshold+1))
	assert.Equal(t, byte(255), BilevelPixel(255))
}
