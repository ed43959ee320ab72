package llm

import "testing"

func TestParseProviderModel(t *testing.T) {
	cases := []struct {
		in           string
		wantProvider string
		wantModel    string
		wantErr      bool
	}{
		{"anthropic", "anthropic", "", false},
		{"anthropic:claude-opus-4", "anthropic", "claude-opus-4", false},
		{"openrouter:x-ai/grok-code-fast-1", "openrouter", "x-ai/grok-code-fast-1", false},
		{"gemini: gemini-2.5-pro ", "gemini", "gemini-2.5-pro", false},
		{"nonsense", "", "", true},
		{"", "", "", true},
		{":model-only", "", "", true},
	}
	for _, tc := range cases {
		provider, model, err := ParseProviderModel(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseProviderModel(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseProviderModel(%q): unexpected error %v", tc.in, err)
			continue
		}
		if provider != tc.wantProvider || model != tc.wantModel {
			t.Errorf("ParseProviderModel(%q) = (%q, %q), want (%q, %q)",
				tc.in, provider, model, tc.wantProvider, tc.wantModel)
		}
	}
}

func TestBuiltInProviderNames_Sorted(t *testing.T) {
	names := BuiltInProviderNames()
	if len(names) == 0 {
		t.Fatal("expected built-in providers")
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("names not sorted: %q before %q", names[i-1], names[i])
		}
	}
}
