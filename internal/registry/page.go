package registry

// DefaultPageSize is the number of records per notification page.
const DefaultPageSize = 10

// Page is a bounded, ordered slice of a record sequence prepared for one
// notification message. Index is 1-based.
type Page struct {
	Index   int
	Total   int
	Records []Record
}

// Paginate splits records into pages of size, preserving input order.
// It never sorts; ordering is the caller's responsibility.
// An empty input yields no pages (not a single empty page).
func Paginate(records []Record, size int) []Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	if len(records) == 0 {
		return nil
	}
	total := (len(records) + size - 1) / size
	pages := make([]Page, 0, total)
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		pages = append(pages, Page{
			Index:   len(pages) + 1,
			Total:   total,
			Records: records[start:end],
		})
	}
	return pages
}
