package circuits

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// TestNewRegistry_Default verifies the built-in default circuit is present.
func TestNewRegistry_Default(t *testing.T) {
	r := NewRegistry()
	c, err := r.Get("zandvoort")
	if err != nil {
		t.Fatalf("Get(zandvoort) error = %v", err)
	}
	if c.Latitude != 52.387 || c.Longitude != 4.540 {
		t.Errorf("zandvoort at (%v, %v), want (52.387, 4.540)", c.Latitude, c.Longitude)
	}
}

// TestRegistry_Get_Normalization verifies case and whitespace insensitive lookup.
func TestRegistry_Get_Normalization(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"Zandvoort", "  zandvoort  ", "ZANDVOORT"} {
		if _, err := r.Get(name); err != nil {
			t.Errorf("Get(%q) error = %v", name, err)
		}
	}
}

// TestRegistry_Get_NotFound verifies the sentinel error.
func TestRegistry_Get_NotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("nordschleife")
	if !errors.Is(err, ErrCircuitNotFound) {
		t.Errorf("Get() error = %v, want ErrCircuitNotFound", err)
	}
}

// TestLoadRegistry verifies file entries merge over defaults and are validated.
func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "circuits.yaml")
	content := `circuits:
  - name: Spa-Francorchamps
    latitude: 50.437
    longitude: 5.971
  - name: zandvoort
    latitude: 52.3888
    longitude: 4.5409
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	spa, err := r.Get("spa-francorchamps")
	if err != nil {
		t.Fatalf("Get(spa-francorchamps) error = %v", err)
	}
	if spa.Latitude != 50.437 {
		t.Errorf("spa latitude = %v, want 50.437", spa.Latitude)
	}

	// The file's zandvoort entry overrides the default coordinates.
	zv, err := r.Get("zandvoort")
	if err != nil {
		t.Fatalf("Get(zandvoort) error = %v", err)
	}
	if zv.Latitude != 52.3888 {
		t.Errorf("zandvoort latitude = %v, want override 52.3888", zv.Latitude)
	}
}

// TestLoadRegistry_Invalid verifies bad files are rejected.
func TestLoadRegistry_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "missing name", content: "circuits:\n  - latitude: 1\n    longitude: 2\n"},
		{name: "latitude out of range", content: "circuits:\n  - name: x\n    latitude: 95\n    longitude: 2\n"},
		{name: "not yaml", content: "{{{{"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(dir, tc.name+".yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadRegistry(path); err == nil {
				t.Error("LoadRegistry() error = nil, want error")
			}
		})
	}
}

// TestLoadRegistry_MissingFile verifies a configured but absent file fails loudly.
func TestLoadRegistry_MissingFile(t *testing.T) {
	if _, err := LoadRegistry(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadRegistry() error = nil, want error")
	}
}

// TestRegistry_List verifies sorted listing.
func TestRegistry_List(t *testing.T) {
	r := NewRegistry()
	r.add(Circuit{Name: "monza", Latitude: 45.62, Longitude: 9.29})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].Name != "monza" || list[1].Name != "zandvoort" {
		t.Errorf("List() order = [%s, %s], want [monza, zandvoort]", list[0].Name, list[1].Name)
	}
}
