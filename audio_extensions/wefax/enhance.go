package wefax

const (
	blackCutOff = 5  // percent of pixels allowed below the black point
	whiteCutOff = 40 // percent of pixels allowed above the white point

	// BilevelThreshold separates black from white in bilevel mode
	BilevelThreshold = 160
)

// Normalize stretches the histogram of pix in place so the 5th percentile
// maps to black and the 60th to white. Lines with no usable range are left
// unchanged.
func Normalize(pix []byte) {
	if len(pix) == 0 {
		return
	}

	var hist [256]int
	for _, v := range pix {
		hist[v]++
	}

	blkCutoff := len(pix) * blackCutOff / 100
	whtCutoff := len(pix) * whiteCutOff / 100

	black, count := 0, 0
	for ; black <= 255; black++ {
		count += hist[black]
		if count > blkCutoff {
			break
		}
	}

	white := 255
	count = 0
	for ; white >= 0; white-- {
		count += hist[white]
		if count > whtCutoff {
			break
		}
	}

	valRange := white - black
	if valRange <= 0 {
		return
	}

	for i, v := range pix {
		x := (int(v) - black) * 255 / valRange
		if x < 0 {
			x = 0
		} else if x > 255 {
			x = 255
		}
		pix[i] = byte(x)
	}
}

// BilevelPixel maps a level to pure black or white
func BilevelPixel(v byte) byte {
	if v > BilevelThreshold {
		return 255
	}
	return 0
}
