package urlnorm

import "testing"

func TestGIFV(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://i.example.com/a.gifv", "https://i.example.com/a.gif"},
		{"https://i.example.com/a.GIFV?x=1", "https://i.example.com/a.gif?x=1"},
		{"https://i.example.com/a.gifv#frag", "https://i.example.com/a.gif#frag"},
		{"https://i.example.com/a.gifvv", "https://i.example.com/a.gifvv"},
		{"https://i.example.com/a.jpg", "https://i.example.com/a.jpg"},
	}
	for _, c := range cases {
		if got := GIFV(c.in); got != c.want {
			t.Errorf("GIFV(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	chains := map[string]*Chain{
		"default": Default(),
		"custom": NewChain(GIFV, func(u string) string {
			if len(u) > 0 && u[len(u)-1] == '/' {
				return u[:len(u)-1]
			}
			return u
		}),
	}
	urls := []string{
		"https://i.example.com/a.gifv",
		"https://i.example.com/a.gifv.gifv",
		"https://i.example.com/b.jpg/",
		"https://i.example.com/c.png?w=100",
		"data:image/png;base64,AAAA",
		"",
	}
	for name, c := range chains {
		for _, u := range urls {
			once := c.Normalize(u)
			twice := c.Normalize(once)
			if once != twice {
				t.Errorf("%s: Normalize not idempotent for %q: %q then %q", name, u, once, twice)
			}
		}
	}
}

func TestNormalize_EmptyRuleMeansNoChange(t *testing.T) {
	c := NewChain(func(string) string { return "" }, GIFV)
	if got := c.Normalize("https://x/a.gifv"); got != "https://x/a.gif" {
		t.Fatalf("got %q", got)
	}
}

func TestNormalize_Order(t *testing.T) {
	c := NewChain()
	c.Register(func(u string) string { return u + "1" })
	c.Register(func(u string) string { return u + "2" })
	if got := c.Normalize("x"); got != "x12" {
		t.Fatalf("got %q, want x12", got)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d", c.Len())
	}
}

func TestIsValidURL(t *testing.T) {
	valid := []string{"https://x/a.jpg", "http://x", "data:image/png;base64,AA", "blob:https://x/123"}
	invalid := []string{"", "a.jpg", "/rel/a.jpg", "javascript:alert(1)", "https://"}
	for _, u := range valid {
		if !IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = false", u)
		}
	}
	for _, u := range invalid {
		if IsValidURL(u) {
			t.Errorf("IsValidURL(%q) = true", u)
		}
	}
}

func TestIsGIF(t *testing.T) {
	if !IsGIF("https://x/a.GIF?x=1") || !IsGIF("https://x/a.gifv") || !IsGIF("data:image/gif;base64,R0") {
		t.Error("expected gif")
	}
	if IsGIF("https://x/gif/a.png") {
		t.Error("png is not a gif")
	}
}
