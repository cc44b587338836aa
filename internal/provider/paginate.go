package provider

import (
	"sort"
	"strings"
)

// Paginate applies the S3 listing contract (prefix, delimiter, marker,
// max-keys) to a complete object inventory. Both backends enumerate their
// full key space for a bucket and delegate the page arithmetic here, so
// paginated listings concatenate to exactly the unpaginated sequence.
//
// objects may arrive in any order; keys are compared as raw UTF-8 bytes.
func Paginate(objects []ObjectInfo, opts ListOptions) ListPage {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	var page ListPage
	seenPrefix := map[string]bool{}
	count := 0

	for _, obj := range objects {
		key := obj.Key
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.Marker != "" && key <= opts.Marker {
			continue
		}

		if opts.Delimiter != "" {
			rest := key[len(opts.Prefix):]
			if idx := strings.Index(rest, opts.Delimiter); idx >= 0 {
				// Everything sharing this prefix collapses into one
				// CommonPrefixes entry.
				cp := key[:len(opts.Prefix)+idx+len(opts.Delimiter)]
				if seenPrefix[cp] {
					continue
				}
				// A group whose prefix sorts at or before the marker was
				// fully reported on an earlier page.
				if opts.Marker != "" && cp <= opts.Marker {
					continue
				}
				if count >= maxKeys {
					page.IsTruncated = true
					page.NextMarker = lastKey(page)
					return page
				}
				seenPrefix[cp] = true
				page.CommonPrefixes = append(page.CommonPrefixes, cp)
				count++
				continue
			}
		}

		if count >= maxKeys {
			page.IsTruncated = true
			page.NextMarker = lastKey(page)
			return page
		}
		page.Objects = append(page.Objects, obj)
		count++
	}

	return page
}

// lastKey reports the resume point of a truncated page: the greatest key
// or common prefix returned so far.
func lastKey(page ListPage) string {
	last := ""
	if n := len(page.Objects); n > 0 {
		last = page.Objects[n-1].Key
	}
	if n := len(page.CommonPrefixes); n > 0 {
		if cp := page.CommonPrefixes[n-1]; cp > last {
			last = cp
		}
	}
	return last
}
