package browser

import (
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/hazyhaar/purifier/purifier/dom"
)

func TestDecodeLayout(t *testing.T) {
	v := gson.New(map[string]any{
		"offsetWidth":  320,
		"offsetHeight": 240,
		"left":         10.5,
		"top":          -40,
		"width":        320,
		"height":       240,
		"clientWidth":  318,
		"imgWidth":     320,
		"imgHeight":    240,
		"naturalWidth": 1280,
		"complete":     true,
	})
	got, err := decodeLayout(v)
	if err != nil {
		t.Fatal(err)
	}
	want := dom.Layout{
		OffsetWidth:  320,
		OffsetHeight: 240,
		Rect:         dom.Rect{Left: 10.5, Top: -40, Width: 320, Height: 240},
		ClientWidth:  318,
		Width:        320,
		Height:       240,
		NaturalWidth: 1280,
		Complete:     true,
	}
	if got != want {
		t.Fatalf("got %+v\nwant %+v", got, want)
	}
}

func TestBlockSet_KeepsImages(t *testing.T) {
	set := blockSet([]string{"Images", "fonts", " media ", ""})
	if set["images"] || set["image"] {
		t.Fatal("images must never be blocked")
	}
	cases := []struct {
		resType string
		want    bool
	}{
		{"Image", false},
		{"Font", true},
		{"Media", true},
		{"Stylesheet", false},
		{"Script", false},
	}
	for _, c := range cases {
		if got := shouldBlock(set, c.resType); got != c.want {
			t.Errorf("shouldBlock(%s) = %v, want %v", c.resType, got, c.want)
		}
	}
}

func TestParseStealth(t *testing.T) {
	for in, want := range map[string]StealthLevel{"": LevelHeadless, "headless": LevelHeadless, "headful": LevelHeadful} {
		got, err := ParseStealth(in)
		if err != nil || got != want {
			t.Errorf("ParseStealth(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseStealth("ghost"); err == nil {
		t.Error("expected error")
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.MemoryLimit != 1<<30 || m.cfg.RecycleInterval != 4*time.Hour {
		t.Errorf("limits = %d, %v", m.cfg.MemoryLimit, m.cfg.RecycleInterval)
	}
	if m.cfg.Stealth != LevelHeadless || m.cfg.XvfbDisplay != ":99" || m.cfg.Logger == nil {
		t.Errorf("cfg = %+v", m.cfg)
	}
}
