package models

import "testing"

func TestPrepareListParams(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "all"},
		{"chat", "text"},
		{"Chat", "text"},
		{" audio ", "tts"},
		{"image", "image"},
		{"something-else", "something-else"},
	}
	for _, tt := range tests {
		if got := PrepareListParams(tt.in); got != tt.want {
			t.Errorf("PrepareListParams(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseCatalog_DataWrapper(t *testing.T) {
	raw := []byte(`{"data":[{"id":"m1","type":"text","beta":false,"supportsVision":true,"traits":["fast"]},{"id":"m2","type":"image","supports_vision":true}]}`)
	catalog := ParseCatalog(raw)
	if len(catalog) != 2 {
		t.Fatalf("len(catalog) = %d, want 2", len(catalog))
	}
	if catalog[0].ID != "m1" || catalog[0].Type != "text" {
		t.Fatalf("catalog[0] = %+v", catalog[0])
	}
	if len(catalog[0].Traits) != 1 || catalog[0].Traits[0] != "fast" {
		t.Fatalf("catalog[0].Traits = %v, want [fast]", catalog[0].Traits)
	}
}

func TestParseCatalog_BareArray(t *testing.T) {
	raw := []byte(`[{"id":"m1","type":"text"}]`)
	catalog := ParseCatalog(raw)
	if len(catalog) != 1 || catalog[0].ID != "m1" {
		t.Fatalf("catalog = %+v", catalog)
	}
}

func TestCapabilityAlias_CamelAndSnakeResolveTheSameRecord(t *testing.T) {
	raw := []byte(`[{"id":"camel","type":"text","supportsVision":true},{"id":"snake","type":"text","supports_vision":true}]`)
	catalog := ParseCatalog(raw)
	yes := true
	selected := Select(catalog, Filter{SupportsVision: &yes})
	if len(selected) != 2 {
		t.Fatalf("selected = %+v, want both camelCase and snake_case records", selected)
	}
}

func TestSelect_FiltersByTypeAndTrait(t *testing.T) {
	raw := []byte(`[{"id":"m1","type":"text","traits":["code"]},{"id":"m2","type":"image","traits":["code"]},{"id":"m3","type":"text","traits":["chat"]}]`)
	catalog := ParseCatalog(raw)
	got := Select(catalog, Filter{Type: "text", Trait: "code"})
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("got = %+v, want only m1", got)
	}
}

func TestSelect_FiltersByBeta(t *testing.T) {
	raw := []byte(`[{"id":"m1","type":"text","beta":true},{"id":"m2","type":"text","beta":false}]`)
	catalog := ParseCatalog(raw)
	no := false
	got := Select(catalog, Filter{Beta: &no})
	if len(got) != 1 || got[0].ID != "m2" {
		t.Fatalf("got = %+v, want only m2", got)
	}
}
