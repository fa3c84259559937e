package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_PageSize(t *testing.T) {
	p := FromContext(newContext("/?page_size=25"))

	if p.Limit != 25 {
		t.Errorf("expected limit 25, got %d", p.Limit)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(newContext("/?limit=500"))

	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(newContext("/?offset=-5"))

	if p.Offset != 0 {
		t.Errorf("expected offset 0 for negative input, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 10, 2, 0)
	if resp.Total != 10 {
		t.Errorf("expected total 10, got %d", resp.Total)
	}
	if !resp.HasMore {
		t.Error("expected HasMore to be true")
	}

	last := NewResponse([]string{"a"}, 3, 2, 2)
	if last.HasMore {
		t.Error("expected HasMore to be false on last page")
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	tests := []struct {
		name   string
		params Params
		want   []int
	}{
		{"first page", Params{Limit: 2, Offset: 0}, []int{1, 2}},
		{"middle page", Params{Limit: 2, Offset: 2}, []int{3, 4}},
		{"short last page", Params{Limit: 2, Offset: 4}, []int{5}},
		{"past the end", Params{Limit: 2, Offset: 9}, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Page(items, tt.params)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d items, got %d", len(tt.want), len(got))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("item %d: expected %d, got %d", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestParams_HasNext(t *testing.T) {
	p := Params{Limit: 10, Offset: 0}
	if !p.HasNext(25) {
		t.Error("expected HasNext for 25 results at offset 0")
	}
	p.Offset = 20
	if p.HasNext(25) {
		t.Error("expected no next page at offset 20 of 25")
	}
}

func TestParams_PreviousOffset(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if got := p.PreviousOffset(); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
	p.Offset = 30
	if got := p.PreviousOffset(); got != 20 {
		t.Errorf("expected 20, got %d", got)
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious at offset 30")
	}
	if got := p.NextOffset(); got != 40 {
		t.Errorf("expected 40, got %d", got)
	}
}
