// Package decompose derives the well label and photo index encoded in the
// channel file names of each image and rewrites the channel references to
// the plate's canonical picture layout.
package decompose

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"platecore/pkg/domain"
)

const tokenSeparator = "_"

// ReferenceStyle selects how rewritten channel references are rendered.
type ReferenceStyle int

const (
	// ReferenceLocal renders paths under the local data root.
	ReferenceLocal ReferenceStyle = iota
	// ReferenceBucket renders s3:// URLs into the object store bucket.
	ReferenceBucket
)

// References configures channel reference rewriting.
type References struct {
	Style  ReferenceStyle
	Root   string
	Bucket string
}

// Rewrite returns the canonical reference of file for channel ch of plate:
// {base}/{plate}/raw/pictures/{plate}-{folder}/{file}.
func (r References) Rewrite(plate domain.Plate, ch domain.Channel, file string) string {
	rel := fmt.Sprintf("%s/raw/pictures/%s-%s/%s", plate, plate, ch.Folder(), file)
	if r.Style == ReferenceBucket {
		return "s3://" + r.Bucket + "/" + rel
	}
	return path.Join(strings.TrimRight(r.Root, "/"), rel)
}

// Decompose returns one DecomposedImage per record, in the same order.
func Decompose(plate domain.Plate, records []domain.ImageRecord, refs References) []domain.DecomposedImage {
	out := make([]domain.DecomposedImage, len(records))
	for i, rec := range records {
		out[i] = decomposeOne(plate, rec, refs)
	}
	return out
}

func decomposeOne(plate domain.Plate, rec domain.ImageRecord, refs References) domain.DecomposedImage {
	var (
		wells [domain.ChannelCount]string
		sites [domain.ChannelCount]string
		ok    = true
	)
	d := domain.DecomposedImage{ImageRecord: rec}
	for _, ch := range domain.Channels {
		file := FileName(rec.Path(ch))
		tokens := strings.Split(file, tokenSeparator)
		if len(tokens) < 3 {
			ok = false
		} else {
			wells[ch], sites[ch] = tokens[1], tokens[2]
		}
		d.Channels[ch] = refs.Rewrite(plate, ch, file)
	}
	d.Well = domain.WellSentinel
	d.Photo = domain.MissingPhoto
	if !ok {
		return d
	}
	if w, agree := agreed(wells); agree {
		d.Well = w
	}
	if s, agree := agreed(sites); agree {
		d.Photo = ParsePhoto(s)
	}
	return d
}

// agreed returns the shared value when every channel carries the same one.
func agreed(vals [domain.ChannelCount]string) (string, bool) {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return "", false
		}
	}
	return vals[0], true
}

// FileName returns the trailing segment of a storage reference.
func FileName(ref string) string {
	if i := strings.LastIndexAny(ref, `/\`); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// ParsePhoto reads the photo index from a site token such as "s1" or "s12":
// the digits following the one-letter site prefix. Anything else is missing.
func ParsePhoto(site string) domain.PhotoNumber {
	if len(site) < 2 {
		return domain.MissingPhoto
	}
	digits := site[1:]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	if end == 0 {
		return domain.MissingPhoto
	}
	n, err := strconv.ParseInt(digits[:end], 10, 32)
	if err != nil {
		return domain.MissingPhoto
	}
	return domain.Photo(int32(n))
}
