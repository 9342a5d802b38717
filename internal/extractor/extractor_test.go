package extractor

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// observed returns a logger recording every entry.
func observed() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

func TestExtractAll(t *testing.T) {
	session := []byte(`{"session":{"id":"s-42","user":{"name":"ann"}},"items":[{"id":1},{"id":2}]}`)
	// A stream sample accumulates every frame it received.
	frames := []byte(`{"seq":7,"price":10.5}{"seq":8,"price":10.75}`)

	tests := []struct {
		name    string
		body    []byte
		rule    string
		want    string
		missing bool
	}{
		{name: "top level path", body: session, rule: "s=session.id", want: "s-42"},
		{name: "dollar prefix", body: session, rule: "s=$.session.user.name", want: "ann"},
		{name: "array index", body: session, rule: "first=items.0.id", want: "1"},
		{name: "bare dollar", body: []byte(`{"ok":true}`), rule: "all=$", want: `{"ok":true}`},
		{name: "regex group", body: frames, rule: `seq=~"seq":(\d+)`, want: "7"},
		{name: "regex full match", body: []byte("ticket 12345 issued"), rule: `n=~\d+`, want: "12345"},
		{name: "missing path", body: session, rule: "x=session.token", missing: true},
		{name: "regex without match", body: []byte("no digits"), rule: `n=~\d+`, missing: true},
		{name: "empty response", body: nil, rule: "s=session.id", missing: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := Parse(tt.rule)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.rule, err)
			}
			log, logs := observed()
			got := ExtractAll(tt.body, []Extractor{ex}, log)

			value, ok := got[ex.Variable]
			if !ok {
				t.Fatalf("variable %s not set: %v", ex.Variable, got)
			}
			if value != tt.want {
				t.Errorf("%s = %q, want %q", ex.Variable, value, tt.want)
			}
			if tt.missing && logs.FilterLevelExact(zapcore.DebugLevel).Len() == 0 {
				t.Error("expected a debug entry for the missed extraction")
			}
		})
	}
}

func TestExtractAllSetsEveryVariable(t *testing.T) {
	body := []byte(`{"order":{"id":"o-9","status":"open"},"note":"order o-9 queued at slot 3"}`)
	rules, err := ParseAll([]string{"order=order.id", "status=$.order.status", `slot=~slot (\d+)`, "gone=order.gone"}, false)
	if err != nil {
		t.Fatalf("ParseAll() error = %v", err)
	}

	got := ExtractAll(body, rules, nil)
	want := map[string]string{"order": "o-9", "status": "open", "slot": "3", "gone": ""}
	if len(got) != len(want) {
		t.Fatalf("ExtractAll() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}

	if got := ExtractAll(body, nil, nil); len(got) != 0 {
		t.Errorf("no rules extracted %v", got)
	}
}

func TestUncompiledRegexRule(t *testing.T) {
	log, logs := observed()
	rules := []Extractor{
		{Regex: `code=(\d+)`, Variable: "code"},
		{Regex: `[broken(`, Variable: "broken"},
	}

	got := ExtractAll([]byte("status code=503"), rules, log)
	if got["code"] != "503" {
		t.Errorf("code = %q, want 503", got["code"])
	}
	if v, ok := got["broken"]; !ok || v != "" {
		t.Errorf("broken = %q (set %v), want empty", v, ok)
	}
	if logs.FilterLevelExact(zapcore.WarnLevel).Len() != 1 {
		t.Errorf("expected one warning for the invalid pattern, got %d", logs.FilterLevelExact(zapcore.WarnLevel).Len())
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		rule    string
		want    Extractor
		wantErr bool
	}{
		{rule: "user_id=$.user.id", want: Extractor{JSONPath: "$.user.id", Variable: "user_id"}},
		{rule: "token = data.token", want: Extractor{JSONPath: "data.token", Variable: "token"}},
		{rule: `code=~ID=(\d+)`, want: Extractor{Regex: `ID=(\d+)`, Variable: "code"}},
		{rule: "missing", wantErr: true},
		{rule: "=path", wantErr: true},
		{rule: "empty=", wantErr: true},
		{rule: "bad=~[invalid(", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			got, err := Parse(tt.rule)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) error = nil, want error", tt.rule)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.rule, err)
			}
			if got.JSONPath != tt.want.JSONPath || got.Regex != tt.want.Regex || got.Variable != tt.want.Variable {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.rule, got, tt.want)
			}
		})
	}
}

func TestApplies(t *testing.T) {
	tests := []struct {
		onError    bool
		successful bool
		want       bool
	}{
		{onError: false, successful: true, want: true},
		{onError: false, successful: false, want: false},
		{onError: true, successful: false, want: true},
	}
	for _, tt := range tests {
		rules, err := ParseAll([]string{"id=id"}, tt.onError)
		if err != nil {
			t.Fatalf("ParseAll() error = %v", err)
		}
		if got := rules[0].Applies(tt.successful); got != tt.want {
			t.Errorf("Applies(%v) with on_error=%v = %v, want %v", tt.successful, tt.onError, got, tt.want)
		}
	}

	if rules, err := ParseAll(nil, true); err != nil || rules != nil {
		t.Errorf("ParseAll(nil) = %v, %v", rules, err)
	}
	if _, err := ParseAll([]string{"id=id", "oops"}, false); err == nil {
		t.Error("ParseAll() accepted an invalid rule")
	}
}
