package photo

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/fieldworks/fieldsync/internal/models"
)

const mb = 1 << 20

// Per-slot resize caps. Initial/final photos document the job and keep
// more detail than collection photos attached to data records.
func maxDimension(slot models.Slot) int {
	switch slot {
	case models.SlotInitial, models.SlotFinal:
		return 1920
	default:
		return 1280
	}
}

// policy selects JPEG quality and whether to resize, by original size:
// over 3MB compress hard and resize; over 1.5MB compress moderately,
// resizing only past 2MB; smaller files keep quality 85 at full size.
func policy(size int) (quality int, resize bool) {
	switch {
	case size > 3*mb:
		return 70, true
	case size > int(1.5*mb):
		return 80, size > 2*mb
	default:
		return 85, false
	}
}

// Compress re-encodes raw image bytes per the slot policy and returns the
// result with its mime type. The caller falls back to the original bytes
// on error; a failed compression must never lose the asset.
func Compress(raw []byte, slot models.Slot) ([]byte, string, error) {
	quality, resize := policy(len(raw))

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	if resize {
		if limit := maxDimension(slot); img.Bounds().Dx() > limit || img.Bounds().Dy() > limit {
			img = imaging.Fit(img, limit, limit, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}
