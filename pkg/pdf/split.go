package pdf

// SplitRanges divides pageCount pages into consecutive ranges of at most
// maxPages each. A document of exactly maxPages pages yields one range.
func SplitRanges(pageCount, maxPages int) []PageRange {
	if pageCount < 1 {
		return nil
	}
	if maxPages < 1 {
		maxPages = 1
	}

	var ranges []PageRange
	for start := 1; start <= pageCount; start += maxPages {
		end := start + maxPages - 1
		if end > pageCount {
			end = pageCount
		}
		ranges = append(ranges, PageRange{Start: start, End: end})
	}
	return ranges
}

// Halve splits a range at its midpoint into two non-empty halves. Ranges of
// a single page cannot be halved.
func Halve(r PageRange) (PageRange, PageRange, bool) {
	if r.Pages() < 2 {
		return r, PageRange{}, false
	}
	mid := r.Start + r.Pages()/2 - 1
	return PageRange{Start: r.Start, End: mid}, PageRange{Start: mid + 1, End: r.End}, true
}

// AbsolutePage maps a page number reported against an extracted chunk back
// to the page in the source document. Numbers within the chunk's length are
// treated as chunk-relative; anything larger is assumed to already be
// absolute and is returned unchanged.
func AbsolutePage(reported int, chunk PageRange) int {
	if reported >= 1 && reported <= chunk.Pages() {
		return reported + chunk.Start - 1
	}
	return reported
}
