package expr

import "testing"

func testEnv() Env {
	return Env{
		Vars: map[string]string{"city": "Hanoi"},
		Nodes: map[string]NodeValue{
			"Fetch": {
				Text: "plain text",
				Data: map[string]any{
					"title": "Headline",
					"score": float64(42),
					"hot":   true,
					"meta":  map[string]any{"source": "rss"},
					"items": []any{map[string]any{"name": "first"}},
				},
			},
			"Empty": {Text: "only text"},
		},
	}
}

func TestResolve(t *testing.T) {
	env := testEnv()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"var", "Weather in {{$vars.city}}", "Weather in Hanoi"},
		{"var absent is empty", "[{{$vars.nope}}]", "[]"},
		{"output text default", "{{$nodes.Fetch.output}}", "plain text"},
		{"output text explicit", "{{$nodes.Fetch.output.text}}", "plain text"},
		{"data absent falls back to text", "{{$nodes.Empty.output.data}}", "only text"},
		{"data json", "{{$nodes.Fetch.output.data}}", `{"hot":true,"items":[{"name":"first"}],"meta":{"source":"rss"},"score":42,"title":"Headline"}`},
		{"data field", "{{$nodes.Fetch.output.data.title}}", "Headline"},
		{"data number", "{{$nodes.Fetch.output.data.score}}", "42"},
		{"data bool", "{{$nodes.Fetch.output.data.hot}}", "true"},
		{"nested", "{{$nodes.Fetch.output.data.meta.source}}", "rss"},
		{"array index", "{{$nodes.Fetch.output.data.items.0.name}}", "first"},
		{"unknown label intact", "{{$nodes.Ghost.output.text}}", "{{$nodes.Ghost.output.text}}"},
		{"unknown field intact", "{{$nodes.Fetch.output.data.nope}}", "{{$nodes.Fetch.output.data.nope}}"},
		{"bad root intact", "{{$magic.x}}", "{{$magic.x}}"},
		{"multiple tokens", "{{$vars.city}}: {{$nodes.Fetch.output.data.title}}", "Hanoi: Headline"},
		{"whitespace tolerated", "{{ $vars.city }}", "Hanoi"},
		{"no tokens", "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.in, env); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveDataJSON(t *testing.T) {
	got := Resolve("{{$nodes.Fetch.output.data.meta}}", testEnv())
	if got != `{"source":"rss"}` {
		t.Errorf("object field = %q", got)
	}
}

func TestResolveBlocksPrototypeKeys(t *testing.T) {
	env := testEnv()
	for _, key := range []string{"__proto__", "prototype", "constructor"} {
		in := "{{$nodes.Fetch.output.data." + key + "}}"
		if got := Resolve(in, env); got != in {
			t.Errorf("forbidden key %q resolved to %q", key, got)
		}
	}
}
