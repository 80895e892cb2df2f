package registry

import (
	"strconv"
	"testing"
)

func makeRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{PlateID: "PL-" + strconv.Itoa(i)}
	}
	return out
}

func TestPaginatePartition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		count     int
		size      int
		wantPages int
		lastLen   int
	}{
		{name: "empty yields no pages", count: 0, size: 10, wantPages: 0},
		{name: "single short page", count: 3, size: 10, wantPages: 1, lastLen: 3},
		{name: "exact fit", count: 20, size: 10, wantPages: 2, lastLen: 10},
		{name: "remainder", count: 25, size: 10, wantPages: 3, lastLen: 5},
		{name: "size one", count: 4, size: 1, wantPages: 4, lastLen: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			recs := makeRecords(tt.count)
			pages := Paginate(recs, tt.size)
			if len(pages) != tt.wantPages {
				t.Fatalf("pages = %d, want %d", len(pages), tt.wantPages)
			}
			if tt.wantPages == 0 {
				return
			}

			// Length-preserving partition: concatenation reproduces input order.
			var flat []Record
			for i, p := range pages {
				if p.Index != i+1 {
					t.Fatalf("page %d has Index %d", i, p.Index)
				}
				if p.Total != tt.wantPages {
					t.Fatalf("page %d has Total %d, want %d", i, p.Total, tt.wantPages)
				}
				if i < len(pages)-1 && len(p.Records) != tt.size {
					t.Fatalf("page %d has %d records, want %d", i, len(p.Records), tt.size)
				}
				flat = append(flat, p.Records...)
			}
			if len(pages[len(pages)-1].Records) != tt.lastLen {
				t.Fatalf("last page has %d records, want %d", len(pages[len(pages)-1].Records), tt.lastLen)
			}
			if len(flat) != tt.count {
				t.Fatalf("flattened %d records, want %d", len(flat), tt.count)
			}
			for i, r := range flat {
				if r.PlateID != recs[i].PlateID {
					t.Fatalf("order broken at %d: %s != %s", i, r.PlateID, recs[i].PlateID)
				}
			}
		})
	}
}

func TestPaginateDefaultSize(t *testing.T) {
	t.Parallel()
	pages := Paginate(makeRecords(11), 0)
	if len(pages) != 2 || len(pages[0].Records) != DefaultPageSize {
		t.Fatalf("unexpected paging: %d pages", len(pages))
	}
}
